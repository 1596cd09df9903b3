package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/scoring"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

const (
	chatTask  = "chat"
	textTask  = "text"
	imageTask = "image"
)

type fixture struct {
	store      *store.MemoryStore
	redis      *redis.Memory
	directory  *Directory
	dispatcher *Dispatcher
	channels   *channel.Factory
}

func newFixture(t *testing.T, firstChunk time.Duration) *fixture {
	t.Helper()

	registry, err := tasks.NewRegistry([]tasks.Config{
		{Name: chatTask, Kind: tasks.KindText, Endpoint: "/chat/completions", Stream: true, Weight: 0.4, Timeout: 2 * time.Second, VolumeToRequestsConversion: 300, Enabled: true},
		{Name: textTask, Kind: tasks.KindText, Endpoint: "/completions", Weight: 0.3, Timeout: 2 * time.Second, VolumeToRequestsConversion: 300, Enabled: true},
		{Name: imageTask, Kind: tasks.KindImage, Endpoint: "/text-to-image", Weight: 0.3, Timeout: 2 * time.Second, VolumeToRequestsConversion: 10, Enabled: true},
	})
	require.NoError(t, err)

	kp, err := sr25519.GenerateKeypair()
	require.NoError(t, err)
	signer, err := signature.NewProvider(kp)
	require.NoError(t, err)
	channels, err := channel.NewFactory(signer, nil)
	require.NoError(t, err)
	t.Cleanup(channels.Close)

	mem := redis.NewMemory()
	t.Cleanup(mem.Close)

	f := &fixture{
		store:     store.NewMemoryStore(),
		redis:     mem,
		directory: NewDirectory(),
		channels:  channels,
	}
	archive := scoring.NewArchive(mem, registry, 1000, nil)
	f.dispatcher = New(config.DispatchEnvConfig{
		MaxStreamAttempts:       5,
		StreamFirstChunkTimeout: firstChunk,
		MaxResultsInStore:       1000,
	}, f.store, registry, f.directory, channels, archive)
	return f
}

// addContender starts a fake node serving handler and registers it for task.
func (f *fixture) addContender(t *testing.T, identity, task string, handler http.HandlerFunc) capacity.Contender {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	f.directory.Set(identity, ts.URL, int64(len(identity)))
	c := capacity.Contender{ID: capacity.ContenderID(identity, task), NodeIdentity: identity, Task: task, Capacity: 100}
	require.NoError(t, f.store.InsertContenders(context.Background(), []capacity.Contender{c}))
	return c
}

func (f *fixture) contender(t *testing.T, id string) *capacity.Contender {
	t.Helper()
	c, err := f.store.GetContender(context.Background(), id)
	require.NoError(t, err)
	return c
}

type collector struct {
	mu     sync.Mutex
	frames []JobFrame
}

func (c *collector) publish(b []byte) {
	f, err := DecodeFrame(b)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) all() []JobFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JobFrame(nil), c.frames...)
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

func writeJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func sse(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, fr := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", fr)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func chunk(s string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, s)
}

func TestDispatch_FallsThroughToFirstSuccess(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.addContender(t, "hk-a", textTask, status(http.StatusInternalServerError))
	b := f.addContender(t, "hk-b", textTask, status(http.StatusTooManyRequests))
	c := f.addContender(t, "hk-c", textTask, writeJSON(`{"text":"hello world!"}`))

	ok := f.dispatcher.Dispatch(context.Background(), Query{
		JobID: "job-1", Task: textTask, Payload: tasks.ChatPayload{Prompt: "hi"},
		Contenders: []capacity.Contender{a, b, c}, Synthetic: true,
	})
	require.True(t, ok)

	ca := f.contender(t, a.ID)
	assert.Equal(t, int64(1), ca.TotalRequestsMade)
	assert.Equal(t, int64(1), ca.Requests500)
	assert.Zero(t, ca.Requests429)

	cb := f.contender(t, b.ID)
	assert.Equal(t, int64(1), cb.TotalRequestsMade)
	assert.Equal(t, int64(1), cb.Requests429)

	cc := f.contender(t, c.ID)
	assert.Equal(t, int64(1), cc.TotalRequestsMade)
	assert.Zero(t, cc.Requests429+cc.Requests500)
	assert.InDelta(t, 12.0/tasks.CharsPerToken, cc.ConsumedCapacity, 1e-9)

	n, err := f.redis.LLen(context.Background(), scoring.QueryResultsKey(textTask))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDispatch_RequestIsSealedAndSigned(t *testing.T) {
	f := newFixture(t, time.Second)
	var gotBody []byte
	var gotErr error
	c := f.addContender(t, "hk-a", textTask, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if _, gotErr = channel.VerifyRequest(signature.NewVerifier(), r.Header, raw, "hk-a"); gotErr == nil {
			ch, _ := f.channels.For("hk-a")
			gotBody, gotErr = ch.Decrypt(raw)
		}
		writeJSON(`{"text":"ok"}`)(w, r)
	})

	ok := f.dispatcher.Dispatch(context.Background(), Query{Task: textTask, Payload: map[string]string{"prompt": "secret"}, Contenders: []capacity.Contender{c}, Synthetic: true})
	require.True(t, ok)
	require.NoError(t, gotErr)
	assert.JSONEq(t, `{"prompt":"secret"}`, string(gotBody))
}

func TestDispatch_DecryptsEncodedResponse(t *testing.T) {
	f := newFixture(t, time.Second)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(`{"text":"abcdefgh"}`), nil)
	require.NoError(t, enc.Close())

	c := f.addContender(t, "hk-a", textTask, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed)
	})
	require.True(t, f.dispatcher.Dispatch(context.Background(), Query{Task: textTask, Payload: "x", Contenders: []capacity.Contender{c}, Synthetic: true}))
	assert.InDelta(t, 2.0, f.contender(t, c.ID).ConsumedCapacity, 1e-9)
}

func TestDispatch_OrganicExhaustionPublishesError(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.addContender(t, "hk-a", textTask, status(http.StatusBadGateway))
	b := f.addContender(t, "hk-b", textTask, writeJSON(`not json`))

	col := &collector{}
	ok := f.dispatcher.Dispatch(context.Background(), Query{
		JobID: "job-2", Task: textTask, Payload: "x", Contenders: []capacity.Contender{a, b}, Publish: col.publish,
	})
	require.False(t, ok)

	frames := col.all()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Type)
	assert.Equal(t, "job-2", frames[0].JobID)
	assert.Equal(t, int64(1), f.contender(t, b.ID).Requests500)
}

func TestDispatch_ImageNSFWIsFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.addContender(t, "hk-a", imageTask, writeJSON(`{"image_b64":null,"is_nsfw":true}`))
	b := f.addContender(t, "hk-b", imageTask, writeJSON(`{"image_b64":"aGVsbG8=","is_nsfw":false}`))

	ok := f.dispatcher.Dispatch(context.Background(), Query{
		Task: imageTask, Payload: &tasks.ImagePayload{Steps: 8}, Contenders: []capacity.Contender{a, b}, Synthetic: true,
	})
	require.True(t, ok)
	assert.Equal(t, int64(1), f.contender(t, a.ID).Requests500)
	assert.InDelta(t, 8.0, f.contender(t, b.ID).ConsumedCapacity, 1e-9)
}

func TestDispatch_UnresolvedContenderIsSkipped(t *testing.T) {
	f := newFixture(t, time.Second)
	ghost := capacity.Contender{ID: "ghost-text", NodeIdentity: "ghost", Task: textTask}
	require.NoError(t, f.store.InsertContenders(context.Background(), []capacity.Contender{ghost}))
	b := f.addContender(t, "hk-b", textTask, writeJSON(`{"text":"ok"}`))

	require.True(t, f.dispatcher.Dispatch(context.Background(), Query{Task: textTask, Payload: "x", Contenders: []capacity.Contender{ghost, b}, Synthetic: true}))
	assert.Zero(t, f.contender(t, ghost.ID).TotalRequestsMade)
}

func TestDispatch_StreamForwardsChunksToOrganicCaller(t *testing.T) {
	f := newFixture(t, time.Second)
	c := f.addContender(t, "hk-a", chatTask, sse(chunk("Hello"), `{"choices":[{"delta":{}}]}`, chunk(" world"), "[DONE]"))

	col := &collector{}
	ok := f.dispatcher.Dispatch(context.Background(), Query{
		JobID: "job-3", Task: chatTask, Payload: tasks.ChatPayload{Stream: true}, Contenders: []capacity.Contender{c}, Stream: true, Publish: col.publish,
	})
	require.True(t, ok)

	frames := col.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "Hello", frames[0].Data)
	assert.Equal(t, " world", frames[1].Data)
	assert.Equal(t, FrameChunk, frames[1].Type)

	got := f.contender(t, c.ID)
	assert.Equal(t, int64(1), got.TotalRequestsMade)
	assert.InDelta(t, float64(len("Hello world"))/tasks.CharsPerToken, got.ConsumedCapacity, 1e-9)
}

func TestDispatch_SyntheticStreamIsNotForwarded(t *testing.T) {
	f := newFixture(t, time.Second)
	c := f.addContender(t, "hk-a", chatTask, sse(chunk("probe"), "[DONE]"))

	col := &collector{}
	ok := f.dispatcher.Dispatch(context.Background(), Query{
		Task: chatTask, Payload: "x", Contenders: []capacity.Contender{c}, Stream: true, Synthetic: true, Publish: col.publish,
	})
	require.True(t, ok)
	assert.Empty(t, col.all())
}

func TestDispatch_StreamFailures(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	slow := f.addContender(t, "hk-slow", chatTask, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	empty := f.addContender(t, "hk-empty", chatTask, sse("[DONE]"))
	limited := f.addContender(t, "hk-limited", chatTask, sse(`{"status_code":429,"message":"slow down"}`))
	good := f.addContender(t, "hk-good", chatTask, sse(chunk("ok"), "[DONE]"))

	ok := f.dispatcher.Dispatch(context.Background(), Query{
		Task: chatTask, Payload: "x", Contenders: []capacity.Contender{slow, empty, limited, good}, Stream: true, Synthetic: true,
	})
	require.True(t, ok)

	assert.Equal(t, int64(1), f.contender(t, slow.ID).Requests500)
	assert.Equal(t, int64(1), f.contender(t, empty.ID).Requests500)
	assert.Equal(t, int64(1), f.contender(t, limited.ID).Requests429)
	assert.Equal(t, int64(1), f.contender(t, good.ID).TotalRequestsMade)
}

func TestDispatch_StreamAttemptsAreCapped(t *testing.T) {
	f := newFixture(t, time.Second)
	var contenders []capacity.Contender
	for i := 0; i < 7; i++ {
		contenders = append(contenders, f.addContender(t, fmt.Sprintf("hk-%d", i), chatTask, status(http.StatusInternalServerError)))
	}

	ok := f.dispatcher.Dispatch(context.Background(), Query{Task: chatTask, Payload: "x", Contenders: contenders, Stream: true, Synthetic: true})
	require.False(t, ok)
	for i, c := range contenders {
		want := int64(0)
		if i < 5 {
			want = 1
		}
		assert.Equal(t, want, f.contender(t, c.ID).TotalRequestsMade, c.ID)
	}
}

func TestDispatch_UnknownTask(t *testing.T) {
	f := newFixture(t, time.Second)
	col := &collector{}
	assert.False(t, f.dispatcher.Dispatch(context.Background(), Query{JobID: "j", Task: "nope", Publish: col.publish}))
	require.Len(t, col.all(), 1)
	assert.Equal(t, http.StatusBadRequest, col.all()[0].StatusCode)
}

func TestJobPool(t *testing.T) {
	pool := NewJobPool(2)
	var mu sync.Mutex
	running, peak := 0, 0

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}))
	}
	pool.Wait()
	assert.LessOrEqual(t, peak, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := NewJobPool(1)
	require.NoError(t, block.Submit(context.Background(), func(context.Context) { time.Sleep(20 * time.Millisecond) }))
	assert.Error(t, block.Submit(ctx, func(context.Context) {}))
	block.Wait()
}
