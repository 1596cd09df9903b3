// Package organic serves real user jobs: it pops them off the job queue, picks
// contenders and streams results back on the job's pub/sub channel.
package organic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/dispatch"
	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/selector"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
)

const JobsQueue = "organic_jobs"

// Job is what the gateway pushes onto JobsQueue.
type Job struct {
	ID      string          `json:"id"`
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

type ContenderSelector interface {
	Select(candidates []capacity.Contender, queryType selector.QueryType, topX int) []capacity.Contender
}

type QueryDispatcher interface {
	Dispatch(ctx context.Context, q dispatch.Query) bool
}

type Submitter interface {
	Submit(ctx context.Context, fn func(ctx context.Context)) error
}

type Worker struct {
	redis      redis.RedisInterface
	store      store.Store
	registry   *tasks.Registry
	selector   ContenderSelector
	dispatcher QueryDispatcher
	pool       Submitter

	pollTimeout time.Duration
	topX        int
}

func NewWorker(r redis.RedisInterface, s store.Store, registry *tasks.Registry, sel ContenderSelector, d QueryDispatcher, pool Submitter, pollTimeout time.Duration, topX int) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Worker{
		redis:       r,
		store:       s,
		registry:    registry,
		selector:    sel,
		dispatcher:  d,
		pool:        pool,
		pollTimeout: pollTimeout,
		topX:        topX,
	}
}

// Run pops jobs until ctx is cancelled. Each job runs on the pool.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("queue", JobsQueue).Msg("organic worker started")
	for ctx.Err() == nil {
		raw, ok, err := w.redis.BLPop(ctx, JobsQueue, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("failed to pop organic job")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		if err := w.pool.Submit(ctx, func(ctx context.Context) { w.Handle(ctx, raw) }); err != nil {
			w.reject(raw, err)
		}
	}
	log.Info().Msg("organic worker stopped")
}

// reject answers a popped job that will not run with an error frame.
func (w *Worker) reject(raw string, cause error) {
	var job Job
	if err := sonic.UnmarshalString(raw, &job); err != nil || job.ID == "" {
		log.Warn().Err(cause).Str("job", raw).Msg("organic job dropped")
		return
	}
	log.Warn().Err(cause).Str("job_id", job.ID).Msg("organic job dropped")

	// ctx may already be cancelled when the pool refuses work
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.fail(ctx, job, http.StatusServiceUnavailable, "validator cannot take the job")
}

func (w *Worker) publish(ctx context.Context, jobID string, frame []byte) {
	if err := w.redis.Publish(ctx, dispatch.JobChannel(jobID), string(frame)); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to publish job frame")
	}
}

func (w *Worker) fail(ctx context.Context, job Job, status int, msg string) bool {
	metrics.OrganicJobs.WithLabelValues(job.Task, "error").Inc()
	w.publish(ctx, job.ID, dispatch.EncodeFrame(dispatch.JobFrame{Type: dispatch.FrameError, JobID: job.ID, StatusCode: status, Error: msg}))
	return false
}

// Handle serves one raw job and reports whether a contender answered it.
func (w *Worker) Handle(ctx context.Context, raw string) bool {
	var job Job
	if err := sonic.UnmarshalString(raw, &job); err != nil || job.ID == "" {
		log.Error().Err(err).Str("job", raw).Msg("malformed organic job")
		metrics.OrganicJobs.WithLabelValues("unknown", "invalid").Inc()
		return false
	}

	w.publish(ctx, job.ID, dispatch.EncodeFrame(dispatch.JobFrame{Type: dispatch.FrameAck, JobID: job.ID}))

	cfg, ok := w.registry.Get(job.Task)
	if !ok {
		return w.fail(ctx, job, http.StatusBadRequest, fmt.Sprintf("unknown task %q", job.Task))
	}

	payload, err := decodePayload(cfg, job.Payload)
	if err != nil {
		return w.fail(ctx, job, http.StatusBadRequest, err.Error())
	}

	candidates, err := w.store.ListContendersForTask(ctx, job.Task)
	if err != nil {
		log.Error().Err(err).Str("task", job.Task).Msg("failed to list contenders")
		return w.fail(ctx, job, http.StatusInternalServerError, "contenders unavailable")
	}
	if len(candidates) == 0 {
		return w.fail(ctx, job, http.StatusServiceUnavailable, "no contenders for task")
	}

	ranked := w.selector.Select(candidates, selector.Organic, w.topX)
	served := w.dispatcher.Dispatch(ctx, dispatch.Query{
		JobID:      job.ID,
		Task:       job.Task,
		Payload:    payload,
		Contenders: ranked,
		Stream:     cfg.Stream,
		Publish:    func(frame []byte) { w.publish(ctx, job.ID, frame) },
	})
	if !served {
		metrics.OrganicJobs.WithLabelValues(job.Task, "exhausted").Inc()
		return false
	}

	metrics.OrganicJobs.WithLabelValues(job.Task, "success").Inc()
	w.publish(ctx, job.ID, dispatch.EncodeFrame(dispatch.JobFrame{Type: dispatch.FrameDone, JobID: job.ID}))
	return true
}

func decodePayload(cfg tasks.Config, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	switch cfg.Kind {
	case tasks.KindImage:
		var p tasks.ImagePayload
		if err := sonic.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode image payload: %w", err)
		}
		return &p, nil
	default:
		var p tasks.ChatPayload
		if err := sonic.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode chat payload: %w", err)
		}
		p.Stream = cfg.Stream
		return &p, nil
	}
}
