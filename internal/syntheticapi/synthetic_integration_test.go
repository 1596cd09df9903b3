package syntheticapi

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tensorplex-labs/arena/internal/config"
)

// Integration test that queries a real Synthetic API. This test is skipped unless
// the SYNTHETIC_API_URL environment variable is set to the API base URL.
func TestSyntheticAPI_Integration(t *testing.T) {
	url := os.Getenv("SYNTHETIC_API_URL")
	if url == "" {
		t.Skip("SYNTHETIC_API_URL not set; skipping integration test")
	}

	sa, err := NewSyntheticAPI(&config.SyntheticAPIEnvConfig{SyntheticAPIUrl: url, SyntheticAPITimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewSyntheticAPI failed: %v", err)
	}

	p, err := sa.GetPrompt(context.Background(), "chat")
	if err != nil {
		t.Fatalf("GetPrompt failed: %v", err)
	}
	if p.Prompt == "" && len(p.Messages) == 0 {
		t.Fatalf("GetPrompt returned an empty prompt: %+v", p)
	}
}
