package tasks

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/internal/capacity"
)

func TestLoad_EmbeddedDefaults(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	total := 0.0
	for _, c := range r.All() {
		total += c.Weight
		assert.Positive(t, c.VolumeToRequestsConversion, c.Name)
		assert.Positive(t, c.Timeout, c.Name)
	}
	assert.InDelta(t, 1.0, total, 1e-9)

	img, ok := r.Get("text-to-image")
	require.True(t, ok)
	assert.Equal(t, KindImage, img.Kind)
	assert.False(t, img.Stream)
	assert.Equal(t, 20*time.Second, img.Timeout)
}

func TestParse_RescalesWeightsAndSkipsDisabled(t *testing.T) {
	yml := `
tasks:
  - name: a
    kind: text
    weight: 2
    volume_to_requests_conversion: 10
    enabled: true
  - name: b
    kind: image
    weight: 2
    volume_to_requests_conversion: 10
    enabled: true
  - name: c
    kind: image
    weight: 5
    volume_to_requests_conversion: 10
    enabled: false
`
	r, err := Parse([]byte(yml))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	a, _ := r.Get("a")
	assert.InDelta(t, 0.5, a.Weight, 1e-12)
	assert.Equal(t, 30*time.Second, a.Timeout)
	_, ok := r.Get("c")
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown kind": `
tasks:
  - {name: a, kind: audio, weight: 1, volume_to_requests_conversion: 1, enabled: true}`,
		"bad conversion": `
tasks:
  - {name: a, kind: text, weight: 1, volume_to_requests_conversion: 0, enabled: true}`,
		"duplicate": `
tasks:
  - {name: a, kind: text, weight: 1, volume_to_requests_conversion: 1, enabled: true}
  - {name: a, kind: text, weight: 1, volume_to_requests_conversion: 1, enabled: true}`,
		"none enabled": `
tasks:
  - {name: a, kind: text, weight: 1, volume_to_requests_conversion: 1, enabled: false}`,
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(strings.TrimSpace(yml)))
			assert.Error(t, err)
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	img := Config{Name: "img", Kind: KindImage}
	txt := Config{Name: "txt", Kind: KindText}

	out, err := DecodeResponse(img, []byte(`{"image_b64":"aGk=","is_nsfw":false}`))
	require.NoError(t, err)
	assert.Equal(t, "aGk=", *out.(*ImageResponse).ImageB64)

	_, err = DecodeResponse(img, []byte(`{"image_b64":null,"is_nsfw":true}`))
	assert.ErrorContains(t, err, "nsfw")

	_, err = DecodeResponse(img, []byte(`not json`))
	assert.Error(t, err)

	out, err = DecodeResponse(txt, []byte(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", out.(*TextResponse).Text)
}

func TestCalculateWork(t *testing.T) {
	img := Config{Kind: KindImage}
	txt := Config{Kind: KindText}

	assert.Equal(t, 30.0, CalculateWork(img, capacity.QueryResult{}, &ImagePayload{Steps: 30}))
	assert.Equal(t, 12.0, CalculateWork(img, capacity.QueryResult{}, ImagePayload{Steps: 12}))
	assert.Equal(t, 10.0, CalculateWork(txt, capacity.QueryResult{FormattedResponse: strings.Repeat("x", 40)}, nil))
	assert.Equal(t, 1.25, CalculateWork(txt, capacity.QueryResult{FormattedResponse: &TextResponse{Text: "hello"}}, nil))

	// work counts characters, not bytes
	ascii := CalculateWork(txt, capacity.QueryResult{FormattedResponse: "abcdefgh"}, nil)
	assert.Equal(t, 2.0, ascii)
	assert.Equal(t, ascii, CalculateWork(txt, capacity.QueryResult{FormattedResponse: "你好世界你好世界"}, nil))
	assert.Equal(t, 0.5, CalculateWork(txt, capacity.QueryResult{FormattedResponse: &TextResponse{Text: "🙂🙂"}}, nil))
}

func TestStreamChunkContent(t *testing.T) {
	var c StreamChunk
	c.Choices = make([]struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	}, 2)
	c.Choices[0].Delta.Content = "he"
	c.Choices[1].Text = "llo"
	assert.Equal(t, "hello", c.Content())
}
