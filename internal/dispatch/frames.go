package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/bytedance/sonic"
)

const (
	jobChannelPrefix = "job:"
	sseDataPrefix    = "data:"
	sseDone          = "[DONE]"

	maxFrameSize = 4 * 1024 * 1024
)

// JobChannel is the pub/sub channel results for job id are published on.
func JobChannel(id string) string {
	return jobChannelPrefix + id
}

type FrameType string

const (
	FrameAck   FrameType = "ack"
	FrameChunk FrameType = "chunk"
	FrameDone  FrameType = "done"
	FrameError FrameType = "error"
)

// JobFrame is one message on a job channel.
type JobFrame struct {
	Type       FrameType `json:"type"`
	JobID      string    `json:"job_id"`
	Data       string    `json:"data,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func EncodeFrame(f JobFrame) []byte {
	b, err := sonic.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error","error":"encode frame"}`)
	}
	return b
}

func DecodeFrame(b []byte) (JobFrame, error) {
	var f JobFrame
	err := sonic.Unmarshal(b, &f)
	return f, err
}

// inBandError is the payload of an error frame sent inside a stream.
type inBandError struct {
	StatusCode *int   `json:"status_code"`
	Message    string `json:"message"`
}

type sseFrame struct {
	data []byte
	err  error
}

// readFrames yields the data payload of every SSE frame until the body ends,
// a read fails or ctx is done.
func readFrames(ctx context.Context, r io.Reader) <-chan sseFrame {
	out := make(chan sseFrame)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			line := bytes.TrimRight(scanner.Bytes(), "\r")
			if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
				continue
			}
			data := bytes.TrimSpace(line[len(sseDataPrefix):])
			if len(data) == 0 {
				continue
			}
			select {
			case out <- sseFrame{data: append([]byte(nil), data...)}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- sseFrame{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
