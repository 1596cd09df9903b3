// Package payload builds synthetic request bodies for each task. The function
// for a task is chosen once, at startup, from its generator kind.
package payload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/tensorplex-labs/arena/internal/syntheticapi"
	"github.com/tensorplex-labs/arena/internal/tasks"
)

const (
	minImageSteps = 10
	maxImageSteps = 30
	imageSize     = 1024
	cfgScale      = 7.5
	maxTokens     = 500
)

// GenerateFunc builds one payload for cfg.
type GenerateFunc func(ctx context.Context, cfg tasks.Config) (any, error)

type Generator struct {
	api      syntheticapi.SyntheticAPIInterface
	registry *tasks.Registry
	funcs    map[string]GenerateFunc

	mu   sync.Mutex
	rand *rand.Rand
}

// NewGenerator binds every enabled task to its generator and fails on an
// unknown generator kind.
func NewGenerator(api syntheticapi.SyntheticAPIInterface, registry *tasks.Registry, rnd *rand.Rand) (*Generator, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	g := &Generator{api: api, registry: registry, funcs: map[string]GenerateFunc{}, rand: rnd}

	byKind := map[tasks.GeneratorKind]GenerateFunc{
		tasks.GeneratorChat:         g.chat,
		tasks.GeneratorCompletion:   g.completion,
		tasks.GeneratorTextToImage:  g.textToImage,
		tasks.GeneratorImageToImage: g.imageToImage,
	}
	for _, cfg := range registry.All() {
		fn, ok := byKind[cfg.Generator]
		if !ok {
			return nil, fmt.Errorf("task %q: unknown generator %q", cfg.Name, cfg.Generator)
		}
		g.funcs[cfg.Name] = fn
	}
	return g, nil
}

// Generate returns a fresh payload for task.
func (g *Generator) Generate(ctx context.Context, task string) (any, error) {
	cfg, ok := g.registry.Get(task)
	if !ok {
		return nil, fmt.Errorf("unknown task %q", task)
	}
	return g.funcs[task](ctx, cfg)
}

func (g *Generator) seed() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rand.Int64N(1 << 31)
}

func (g *Generator) temperature() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return 0.1 + 0.8*g.rand.Float64()
}

func (g *Generator) steps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return minImageSteps + g.rand.IntN(maxImageSteps-minImageSteps+1)
}

func (g *Generator) chat(ctx context.Context, cfg tasks.Config) (any, error) {
	p, err := g.api.GetPrompt(ctx, string(tasks.GeneratorChat))
	if err != nil {
		return nil, err
	}
	messages := make([]tasks.Message, 0, len(p.Messages)+1)
	for _, m := range p.Messages {
		messages = append(messages, tasks.Message{Role: m.Role, Content: m.Content})
	}
	if len(messages) == 0 {
		messages = append(messages, tasks.Message{Role: "user", Content: p.Prompt})
	}
	return &tasks.ChatPayload{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: g.temperature(),
		MaxTokens:   maxTokens,
		Seed:        g.seed(),
		Stream:      cfg.Stream,
	}, nil
}

func (g *Generator) completion(ctx context.Context, cfg tasks.Config) (any, error) {
	p, err := g.api.GetPrompt(ctx, string(tasks.GeneratorCompletion))
	if err != nil {
		return nil, err
	}
	return &tasks.ChatPayload{
		Model:       cfg.Model,
		Prompt:      p.Prompt,
		Temperature: g.temperature(),
		MaxTokens:   maxTokens,
		Seed:        g.seed(),
		Stream:      cfg.Stream,
	}, nil
}

func (g *Generator) textToImage(ctx context.Context, cfg tasks.Config) (any, error) {
	p, err := g.api.GetPrompt(ctx, "image")
	if err != nil {
		return nil, err
	}
	return &tasks.ImagePayload{
		Model:    cfg.Model,
		Prompt:   p.Prompt,
		Steps:    g.steps(),
		CfgScale: cfgScale,
		Width:    imageSize,
		Height:   imageSize,
		Seed:     g.seed(),
	}, nil
}

func (g *Generator) imageToImage(ctx context.Context, cfg tasks.Config) (any, error) {
	payload, err := g.textToImage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	img, err := g.api.GetInitImage(ctx)
	if err != nil {
		return nil, err
	}
	p := payload.(*tasks.ImagePayload)
	p.InitImage = img.ImageB64
	return p, nil
}
