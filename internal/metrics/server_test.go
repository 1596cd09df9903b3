package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	ok := NewServer(0, map[string]HealthFunc{"redis": func() error { return nil }})
	resp, err := ok.App.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	bad := NewServer(0, map[string]HealthFunc{"db": func() error { return errors.New("down") }})
	resp, err = bad.App.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "down")
}

func TestMetricsEndpoint(t *testing.T) {
	SchedulerProcessed.Inc()
	s := NewServer(0, nil)
	resp, err := s.App.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "arena_scheduler_processed_total"))
}
