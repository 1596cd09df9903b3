package organic

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/dispatch"
	"github.com/tensorplex-labs/arena/internal/selector"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
)

type recordingRedis struct {
	*redis.Memory
	mu        sync.Mutex
	published map[string][]dispatch.JobFrame
}

func (r *recordingRedis) Publish(ctx context.Context, channel, message string) error {
	f, err := dispatch.DecodeFrame([]byte(message))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.published[channel] = append(r.published[channel], f)
	r.mu.Unlock()
	return r.Memory.Publish(ctx, channel, message)
}

func (r *recordingRedis) frames(jobID string) []dispatch.JobFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.JobFrame(nil), r.published[dispatch.JobChannel(jobID)]...)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	queries []dispatch.Query
	result  bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, q dispatch.Query) bool {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.result {
		q.Publish(dispatch.EncodeFrame(dispatch.JobFrame{Type: dispatch.FrameChunk, JobID: q.JobID, Data: "hi"}))
	}
	return f.result
}

func (f *fakeDispatcher) calls() []dispatch.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Query(nil), f.queries...)
}

type fixture struct {
	redis      *recordingRedis
	store      *store.MemoryStore
	dispatcher *fakeDispatcher
	worker     *Worker
}

func newFixture(t *testing.T, served bool) *fixture {
	t.Helper()
	registry, err := tasks.NewRegistry([]tasks.Config{
		{Name: "chat", Kind: tasks.KindText, Stream: true, Weight: 0.5, VolumeToRequestsConversion: 1, Enabled: true},
		{Name: "image", Kind: tasks.KindImage, Weight: 0.5, VolumeToRequestsConversion: 1, Enabled: true},
	})
	require.NoError(t, err)

	f := &fixture{
		redis:      &recordingRedis{Memory: redis.NewMemory(), published: map[string][]dispatch.JobFrame{}},
		store:      store.NewMemoryStore(),
		dispatcher: &fakeDispatcher{result: served},
	}
	t.Cleanup(f.redis.Close)

	sel := selector.New(config.SelectorEnvConfig{QualityWeight: 0.7, PeriodWeight: 0.3, OrganicTemperature: 0.5, SyntheticTemperature: 0.1, TopX: 5}, nil)
	f.worker = NewWorker(f.redis, f.store, registry, sel, f.dispatcher, dispatch.NewJobPool(4), 20*time.Millisecond, 2)

	var contenders []capacity.Contender
	for _, id := range []string{"a", "b", "c"} {
		contenders = append(contenders, capacity.Contender{ID: capacity.ContenderID(id, "chat"), NodeIdentity: id, Task: "chat"})
	}
	require.NoError(t, f.store.InsertContenders(context.Background(), contenders))
	return f
}

func types(frames []dispatch.JobFrame) []dispatch.FrameType {
	out := make([]dispatch.FrameType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestHandle_Served(t *testing.T) {
	f := newFixture(t, true)
	ok := f.worker.Handle(context.Background(), `{"id":"job-1","task":"chat","payload":{"messages":[{"role":"user","content":"hey"}]}}`)
	require.True(t, ok)

	assert.Equal(t, []dispatch.FrameType{dispatch.FrameAck, dispatch.FrameChunk, dispatch.FrameDone}, types(f.redis.frames("job-1")))

	calls := f.dispatcher.calls()
	require.Len(t, calls, 1)
	q := calls[0]
	assert.False(t, q.Synthetic)
	assert.True(t, q.Stream)
	assert.Len(t, q.Contenders, 2)
	payload, isChat := q.Payload.(*tasks.ChatPayload)
	require.True(t, isChat)
	assert.True(t, payload.Stream)
	assert.Equal(t, "hey", payload.Messages[0].Content)
}

func TestHandle_NotServed(t *testing.T) {
	f := newFixture(t, false)
	assert.False(t, f.worker.Handle(context.Background(), `{"id":"job-2","task":"chat","payload":{"prompt":"x"}}`))
	// the dispatcher publishes its own error frame on exhaustion
	assert.Equal(t, []dispatch.FrameType{dispatch.FrameAck}, types(f.redis.frames("job-2")))
}

func TestHandle_Rejections(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.False(t, f.worker.Handle(ctx, `not json`))
	assert.False(t, f.worker.Handle(ctx, `{"task":"chat"}`))

	assert.False(t, f.worker.Handle(ctx, `{"id":"j-unknown","task":"nope","payload":{}}`))
	frames := f.redis.frames("j-unknown")
	require.Len(t, frames, 2)
	assert.Equal(t, dispatch.FrameError, frames[1].Type)
	assert.Equal(t, 400, frames[1].StatusCode)

	assert.False(t, f.worker.Handle(ctx, `{"id":"j-empty","task":"image","payload":{"prompt":"x"}}`))
	frames = f.redis.frames("j-empty")
	require.Len(t, frames, 2)
	assert.Equal(t, 503, frames[1].StatusCode)

	assert.False(t, f.worker.Handle(ctx, `{"id":"j-nopayload","task":"chat"}`))
	assert.Empty(t, f.dispatcher.calls())
}

func TestRun_PopsQueuedJobs(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.redis.RPush(ctx, JobsQueue,
		`{"id":"q1","task":"chat","payload":{"prompt":"1"}}`,
		`{"id":"q2","task":"chat","payload":{"prompt":"2"}}`,
	))

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.redis.frames("q1")) == 3 && len(f.redis.frames("q2")) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Len(t, f.dispatcher.calls(), 2)
}

type closedPool struct{}

func (closedPool) Submit(context.Context, func(context.Context)) error {
	return errors.New("pool closed")
}

func TestRun_RefusedJobGetsErrorFrame(t *testing.T) {
	f := newFixture(t, true)
	f.worker.pool = closedPool{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.redis.RPush(ctx, JobsQueue, `{"id":"busy-1","task":"chat","payload":{"prompt":"1"}}`, `garbage`))

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, _ := f.redis.LLen(ctx, JobsQueue)
		return len(f.redis.frames("busy-1")) == 1 && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	frames := f.redis.frames("busy-1")
	assert.Equal(t, dispatch.FrameError, frames[0].Type)
	assert.Equal(t, http.StatusServiceUnavailable, frames[0].StatusCode)
	assert.Empty(t, f.dispatcher.calls())
}
