// Package synapse is the contender side of the secure channel: a fiber app that
// authenticates validator requests, opens sealed bodies and serves the task
// endpoints with deterministic output. It backs the reference node used for
// local end-to-end runs.
package synapse

import (
	"time"
)

type Config struct {
	Address string
	// Hotkey is the node identity requests must be addressed to.
	Hotkey       string
	Capacities   map[string]float64
	StreamChunks int
	ChunkDelay   time.Duration
}

// ErrorResponse is the JSON body of every rejected request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type textResponse struct {
	Text string `json:"text"`
}

type imageResponse struct {
	ImageB64 string `json:"image_b64"`
	IsNSFW   bool   `json:"is_nsfw"`
}
