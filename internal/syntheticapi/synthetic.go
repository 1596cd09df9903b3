// Package syntheticapi is the client for the synthetic content service that
// supplies prompts and seed images for probe payloads.
package syntheticapi

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/config"
)

type SyntheticAPIInterface interface {
	GetPrompt(ctx context.Context, kind string) (GeneratePromptResponse, error)
	GetInitImage(ctx context.Context) (InitImageResponse, error)
}

type SyntheticAPI struct {
	cfg    *config.SyntheticAPIEnvConfig
	client *resty.Client
}

func NewSyntheticAPI(cfg *config.SyntheticAPIEnvConfig) (*SyntheticAPI, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	client := resty.New().
		SetBaseURL(cfg.SyntheticAPIUrl).
		SetTimeout(cfg.SyntheticAPITimeout).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	return &SyntheticAPI{
		cfg:    cfg,
		client: client,
	}, nil
}

func (s *SyntheticAPI) GetPrompt(ctx context.Context, kind string) (GeneratePromptResponse, error) {
	var out GeneratePromptResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(GeneratePromptRequest{Kind: kind}).
		SetResult(&out).
		Post("/api/generate-prompt")
	if err != nil {
		log.Error().Err(err).Msg("generate-prompt request failed")
		return GeneratePromptResponse{}, fmt.Errorf("generate prompt: %w", err)
	}
	if resp.IsError() {
		log.Error().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("generate-prompt non-2xx")
		return GeneratePromptResponse{}, fmt.Errorf("generate-prompt status %d: %s", resp.StatusCode(), resp.String())
	}
	if !out.Success {
		return GeneratePromptResponse{}, fmt.Errorf("generate-prompt api returned success=false")
	}
	return out, nil
}

func (s *SyntheticAPI) GetInitImage(ctx context.Context) (InitImageResponse, error) {
	var out InitImageResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/init-image")
	if err != nil {
		log.Error().Err(err).Msg("init-image request failed")
		return InitImageResponse{}, fmt.Errorf("init image: %w", err)
	}
	if resp.IsError() {
		log.Error().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("init-image non-2xx")
		return InitImageResponse{}, fmt.Errorf("init-image status %d: %s", resp.StatusCode(), resp.String())
	}
	if !out.Success || out.ImageB64 == "" {
		return InitImageResponse{}, fmt.Errorf("init-image api returned no image")
	}
	return out, nil
}
