package tasks

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/tensorplex-labs/arena/internal/capacity"
)

// CharsPerToken approximates tokens from emitted characters for text work.
const CharsPerToken = 4

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is sent to chat and completion endpoints.
type ChatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Seed        int64     `json:"seed"`
	Stream      bool      `json:"stream"`
}

// ImagePayload is sent to image endpoints.
type ImagePayload struct {
	Model     string  `json:"model"`
	Prompt    string  `json:"prompt"`
	Steps     int     `json:"steps"`
	CfgScale  float64 `json:"cfg_scale"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Seed      int64   `json:"seed"`
	InitImage string  `json:"init_image,omitempty"`
}

// ImageResponse is the non-stream image body returned by contenders.
type ImageResponse struct {
	ImageB64       *string     `json:"image_b64"`
	IsNSFW         bool        `json:"is_nsfw"`
	ClipEmbeddings [][]float64 `json:"clip_embeddings,omitempty"`
}

// TextResponse is the non-stream text body returned by contenders.
type TextResponse struct {
	Text string `json:"text"`
}

// StreamChunk is one content frame of a streamed text response.
type StreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

// Content returns the text carried by the chunk.
func (c StreamChunk) Content() string {
	var b strings.Builder
	for _, ch := range c.Choices {
		b.WriteString(ch.Delta.Content)
		b.WriteString(ch.Text)
	}
	return b.String()
}

// DecodeResponse parses a non-stream body into the task's response shape.
// A flagged NSFW image with no payload is rejected.
func DecodeResponse(cfg Config, body []byte) (any, error) {
	switch cfg.Kind {
	case KindImage:
		var resp ImageResponse
		if err := sonic.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode image response: %w", err)
		}
		if resp.ImageB64 == nil {
			if resp.IsNSFW {
				return nil, fmt.Errorf("image flagged nsfw with empty payload")
			}
			return nil, fmt.Errorf("image response without payload")
		}
		return &resp, nil
	case KindText:
		var resp TextResponse
		if err := sonic.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode text response: %w", err)
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", cfg.Kind)
}

// CalculateWork returns the units of capacity a successful result consumed.
// Image work is the configured diffusion steps; text work is characters over CharsPerToken.
func CalculateWork(cfg Config, result capacity.QueryResult, payload any) float64 {
	switch cfg.Kind {
	case KindImage:
		switch p := payload.(type) {
		case *ImagePayload:
			return float64(p.Steps)
		case ImagePayload:
			return float64(p.Steps)
		}
		return 1
	case KindText:
		var chars int
		switch r := result.FormattedResponse.(type) {
		case string:
			chars = utf8.RuneCountInString(r)
		case *TextResponse:
			chars = utf8.RuneCountInString(r.Text)
		}
		return float64(chars) / CharsPerToken
	}
	return 0
}
