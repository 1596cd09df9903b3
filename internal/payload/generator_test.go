package payload

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/internal/syntheticapi"
	"github.com/tensorplex-labs/arena/internal/tasks"
)

type fakeAPI struct {
	kinds []string
	err   error
}

func (f *fakeAPI) GetPrompt(_ context.Context, kind string) (syntheticapi.GeneratePromptResponse, error) {
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return syntheticapi.GeneratePromptResponse{}, f.err
	}
	return syntheticapi.GeneratePromptResponse{Success: true, Prompt: "a red fox"}, nil
}

func (f *fakeAPI) GetInitImage(context.Context) (syntheticapi.InitImageResponse, error) {
	if f.err != nil {
		return syntheticapi.InitImageResponse{}, f.err
	}
	return syntheticapi.InitImageResponse{Success: true, ImageB64: "aW1n"}, nil
}

func registry(t *testing.T) *tasks.Registry {
	t.Helper()
	r, err := tasks.NewRegistry([]tasks.Config{
		{Name: "chat", Kind: tasks.KindText, Generator: tasks.GeneratorChat, Model: "llama", Stream: true, Weight: 0.25, VolumeToRequestsConversion: 1, Enabled: true},
		{Name: "completion", Kind: tasks.KindText, Generator: tasks.GeneratorCompletion, Weight: 0.25, VolumeToRequestsConversion: 1, Enabled: true},
		{Name: "t2i", Kind: tasks.KindImage, Generator: tasks.GeneratorTextToImage, Weight: 0.25, VolumeToRequestsConversion: 1, Enabled: true},
		{Name: "i2i", Kind: tasks.KindImage, Generator: tasks.GeneratorImageToImage, Weight: 0.25, VolumeToRequestsConversion: 1, Enabled: true},
	})
	require.NoError(t, err)
	return r
}

func TestGenerate(t *testing.T) {
	api := &fakeAPI{}
	g, err := NewGenerator(api, registry(t), rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	ctx := context.Background()

	p, err := g.Generate(ctx, "chat")
	require.NoError(t, err)
	chat := p.(*tasks.ChatPayload)
	assert.Equal(t, "llama", chat.Model)
	assert.True(t, chat.Stream)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "a red fox", chat.Messages[0].Content)
	assert.GreaterOrEqual(t, chat.Temperature, 0.1)
	assert.Less(t, chat.Temperature, 0.9)

	p, err = g.Generate(ctx, "completion")
	require.NoError(t, err)
	assert.Equal(t, "a red fox", p.(*tasks.ChatPayload).Prompt)
	assert.False(t, p.(*tasks.ChatPayload).Stream)

	p, err = g.Generate(ctx, "t2i")
	require.NoError(t, err)
	img := p.(*tasks.ImagePayload)
	assert.GreaterOrEqual(t, img.Steps, minImageSteps)
	assert.LessOrEqual(t, img.Steps, maxImageSteps)
	assert.Empty(t, img.InitImage)

	p, err = g.Generate(ctx, "i2i")
	require.NoError(t, err)
	assert.Equal(t, "aW1n", p.(*tasks.ImagePayload).InitImage)

	assert.Equal(t, []string{"chat", "completion", "image", "image"}, api.kinds)

	_, err = g.Generate(ctx, "missing")
	assert.Error(t, err)
}

func TestGenerate_APIError(t *testing.T) {
	g, err := NewGenerator(&fakeAPI{err: errors.New("down")}, registry(t), nil)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "chat")
	assert.Error(t, err)
}

func TestNewGenerator_UnknownKind(t *testing.T) {
	r, err := tasks.NewRegistry([]tasks.Config{{Name: "x", Kind: tasks.KindText, Generator: "markov", Weight: 1, VolumeToRequestsConversion: 1, Enabled: true}})
	require.NoError(t, err)
	_, err = NewGenerator(&fakeAPI{}, r, nil)
	assert.Error(t, err)
}
