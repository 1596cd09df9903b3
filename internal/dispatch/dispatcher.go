// Package dispatch sends one query to a ranked list of contenders until one of
// them answers, recording every attempt against the contender's counters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/scoring"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
)

// Query is one logical request to be served by the first contender that can.
type Query struct {
	JobID      string
	Task       string
	Payload    any
	Contenders []capacity.Contender
	Stream     bool
	Synthetic  bool
	// Publish receives encoded JobFrames; it is only used for organic queries.
	Publish func(frame []byte)
}

func (q Query) queryType() string {
	if q.Synthetic {
		return "synthetic"
	}
	return "organic"
}

// Archiver keeps successful results for quality checking.
type Archiver interface {
	Store(ctx context.Context, result scoring.ArchivedResult) (bool, error)
}

type Dispatcher struct {
	cfg      config.DispatchEnvConfig
	store    store.Store
	registry *tasks.Registry
	nodes    AddressBook
	channels channel.Provider
	archive  Archiver
	client   *resty.Client
}

// New builds a dispatcher. archive may be nil.
func New(cfg config.DispatchEnvConfig, s store.Store, registry *tasks.Registry, nodes AddressBook, channels channel.Provider, archive Archiver) *Dispatcher {
	if cfg.MaxStreamAttempts <= 0 {
		cfg.MaxStreamAttempts = 5
	}
	if cfg.StreamFirstChunkTimeout <= 0 {
		cfg.StreamFirstChunkTimeout = 5 * time.Second
	}
	client := resty.New().
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	return &Dispatcher{
		cfg:      cfg,
		store:    s,
		registry: registry,
		nodes:    nodes,
		channels: channels,
		archive:  archive,
		client:   client,
	}
}

// attempt is the outcome of one contender request.
type attempt struct {
	result capacity.QueryResult
	kind   capacity.FailureKind
	work   float64
	// forwarded is true once any content reached the organic caller.
	forwarded bool
	// skipped attempts never reached the contender and are not counted.
	skipped bool
}

var errNoContent = errors.New("stream produced no content")

// Dispatch tries the contenders in order and reports whether one succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, q Query) bool {
	cfg, ok := d.registry.Get(q.Task)
	if !ok {
		log.Error().Str("task", q.Task).Str("job_id", q.JobID).Msg("dispatch for unknown task")
		d.exhausted(q, http.StatusBadRequest, "unknown task")
		return false
	}

	body, err := sonic.Marshal(q.Payload)
	if err != nil {
		log.Error().Err(err).Str("task", q.Task).Msg("failed to marshal payload")
		d.exhausted(q, http.StatusInternalServerError, "invalid payload")
		return false
	}

	contenders := q.Contenders
	stream := q.Stream && cfg.Kind == tasks.KindText
	if stream && len(contenders) > d.cfg.MaxStreamAttempts {
		contenders = contenders[:d.cfg.MaxStreamAttempts]
	}

	for _, c := range contenders {
		if ctx.Err() != nil {
			break
		}

		var a attempt
		if stream {
			a = d.streamAttempt(ctx, cfg, q, c, body)
		} else {
			a = d.singleAttempt(ctx, cfg, q, c, body)
		}

		if a.skipped {
			metrics.DispatchAttempts.WithLabelValues(q.Task, "skipped").Inc()
			continue
		}
		if a.result.Success {
			d.recordSuccess(ctx, q, c, a)
			metrics.DispatchResults.WithLabelValues(q.Task, q.queryType(), "success").Inc()
			return true
		}

		d.recordFailure(ctx, q, c, a)
		if a.forwarded {
			// the caller already saw part of this answer; another contender would interleave
			break
		}
	}

	metrics.DispatchResults.WithLabelValues(q.Task, q.queryType(), "exhausted").Inc()
	d.exhausted(q, http.StatusServiceUnavailable, "no contender could serve the request")
	return false
}

func (d *Dispatcher) exhausted(q Query, status int, msg string) {
	if q.Synthetic {
		log.Debug().Str("task", q.Task).Str("job_id", q.JobID).Msg("synthetic query not served")
		return
	}
	log.Warn().Str("task", q.Task).Str("job_id", q.JobID).Int("contenders", len(q.Contenders)).Msg("organic query not served")
	d.publish(q, JobFrame{Type: FrameError, JobID: q.JobID, StatusCode: status, Error: msg})
}

func (d *Dispatcher) publish(q Query, f JobFrame) {
	if q.Synthetic || q.Publish == nil {
		return
	}
	q.Publish(EncodeFrame(f))
}

// prepare resolves the contender and seals the body for it.
func (d *Dispatcher) prepare(c capacity.Contender, body []byte) (string, channel.SecureChannel, []byte, map[string]string, error) {
	addr, ok := d.nodes.Address(c.NodeIdentity)
	if !ok {
		return "", nil, nil, nil, fmt.Errorf("no address for %s", c.NodeIdentity)
	}
	ch, err := d.channels.For(c.NodeIdentity)
	if err != nil {
		return "", nil, nil, nil, fmt.Errorf("secure channel: %w", err)
	}
	sealed, err := ch.Encrypt(body)
	if err != nil {
		return "", nil, nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	headers, err := ch.Headers(sealed)
	if err != nil {
		return "", nil, nil, nil, fmt.Errorf("sign: %w", err)
	}
	return addr, ch, sealed, headers, nil
}

func newResult(q Query, c capacity.Contender) capacity.QueryResult {
	return capacity.QueryResult{Task: q.Task, NodeIdentity: c.NodeIdentity, NodeID: c.NodeID}
}

func (d *Dispatcher) singleAttempt(ctx context.Context, cfg tasks.Config, q Query, c capacity.Contender, body []byte) attempt {
	a := attempt{result: newResult(q, c)}

	addr, ch, sealed, headers, err := d.prepare(c, body)
	if err != nil {
		log.Warn().Err(err).Str("contender", c.ID).Msg("skipping contender")
		a.skipped = true
		return a
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client.R().
		SetContext(reqCtx).
		SetHeaders(headers).
		SetBody(sealed).
		Post(addr + cfg.Endpoint)
	a.result.ResponseTime = time.Since(start).Seconds()
	if err != nil {
		return a.fail(http.StatusInternalServerError, err)
	}

	a.result.StatusCode = resp.StatusCode()
	if resp.IsError() {
		return a.fail(resp.StatusCode(), fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	data := resp.Body()
	if strings.HasPrefix(strings.ToLower(resp.Header().Get("Content-Encoding")), channel.EncodingZstd) {
		if data, err = ch.Decrypt(data); err != nil {
			return a.fail(http.StatusInternalServerError, err)
		}
	}

	decoded, err := tasks.DecodeResponse(cfg, data)
	if err != nil {
		return a.fail(http.StatusInternalServerError, err)
	}

	a.result.Success = true
	a.result.FormattedResponse = decoded
	a.work = tasks.CalculateWork(cfg, a.result, q.Payload)
	d.publish(q, JobFrame{Type: FrameChunk, JobID: q.JobID, Data: string(data)})
	return a
}

func (d *Dispatcher) streamAttempt(ctx context.Context, cfg tasks.Config, q Query, c capacity.Contender, body []byte) attempt {
	a := attempt{result: newResult(q, c)}

	addr, _, sealed, headers, err := d.prepare(c, body)
	if err != nil {
		log.Warn().Err(err).Str("contender", c.ID).Msg("skipping contender")
		a.skipped = true
		return a
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	// cancels the request if nothing arrives in time, connect included
	var firstTimedOut atomic.Bool
	firstChunk := time.AfterFunc(d.cfg.StreamFirstChunkTimeout, func() {
		firstTimedOut.Store(true)
		cancel()
	})
	defer firstChunk.Stop()

	start := time.Now()
	resp, err := d.client.R().
		SetContext(reqCtx).
		SetHeaders(headers).
		SetHeader("Accept", "text/event-stream").
		SetBody(sealed).
		SetDoNotParseResponse(true).
		Post(addr + cfg.Endpoint)
	if err != nil {
		a.result.ResponseTime = time.Since(start).Seconds()
		if firstTimedOut.Load() {
			err = fmt.Errorf("no response within %s: %w", d.cfg.StreamFirstChunkTimeout, err)
		}
		return a.fail(http.StatusInternalServerError, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	a.result.StatusCode = resp.StatusCode()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		a.result.ResponseTime = time.Since(start).Seconds()
		return a.fail(resp.StatusCode(), fmt.Errorf("status %d", resp.StatusCode()))
	}

	var (
		text     strings.Builder
		contents int
		started  bool
		failure  error
		status   = http.StatusInternalServerError
	)

	for f := range readFrames(reqCtx, raw) {
		if !started {
			started = true
			firstChunk.Stop()
		}
		if f.err != nil {
			failure = f.err
			break
		}
		if string(f.data) == sseDone {
			break
		}

		var ib inBandError
		if err := sonic.Unmarshal(f.data, &ib); err == nil && ib.StatusCode != nil {
			status = *ib.StatusCode
			failure = fmt.Errorf("in-band error %d: %s", status, ib.Message)
			break
		}

		var chunk tasks.StreamChunk
		if err := sonic.Unmarshal(f.data, &chunk); err != nil {
			log.Trace().Err(err).Str("contender", c.ID).Msg("ignoring undecodable frame")
			continue
		}
		content := chunk.Content()
		if content == "" {
			continue
		}
		contents++
		text.WriteString(content)
		if !q.Synthetic && q.Publish != nil {
			d.publish(q, JobFrame{Type: FrameChunk, JobID: q.JobID, Data: content})
			a.forwarded = true
		}
	}
	a.result.ResponseTime = time.Since(start).Seconds()

	if failure == nil && firstTimedOut.Load() && contents == 0 {
		failure = fmt.Errorf("no frame within %s", d.cfg.StreamFirstChunkTimeout)
	}
	if failure == nil && contents == 0 {
		failure = errNoContent
	}
	if failure != nil {
		return a.fail(status, failure)
	}

	a.result.Success = true
	a.result.FormattedResponse = text.String()
	a.work = tasks.CalculateWork(cfg, a.result, q.Payload)
	return a
}

func (a attempt) fail(status int, err error) attempt {
	a.result.Success = false
	a.result.StatusCode = status
	a.result.ErrorMessage = err.Error()
	a.kind = capacity.FailureKindForStatus(status)
	return a
}

func (d *Dispatcher) recordSuccess(ctx context.Context, q Query, c capacity.Contender, a attempt) {
	metrics.DispatchAttempts.WithLabelValues(q.Task, "success").Inc()
	metrics.DispatchDuration.WithLabelValues(q.Task).Observe(a.result.ResponseTime)

	if err := d.store.RecordSuccess(ctx, c.ID, a.work); err != nil {
		log.Error().Err(err).Str("contender", c.ID).Msg("failed to record success")
	}

	log.Debug().
		Str("contender", c.ID).
		Str("query_type", q.queryType()).
		Float64("work", a.work).
		Float64("response_time", a.result.ResponseTime).
		Msg("query served")

	if d.archive == nil {
		return
	}
	_, err := d.archive.Store(ctx, scoring.ArchivedResult{
		ID:             uuid.NewString(),
		Task:           q.Task,
		NodeIdentity:   c.NodeIdentity,
		NodeID:         c.NodeID,
		SyntheticQuery: q.Synthetic,
		ResponseTime:   a.result.ResponseTime,
		Volume:         a.work,
		Payload:        q.Payload,
		Response:       a.result.FormattedResponse,
	})
	if err != nil {
		log.Error().Err(err).Str("contender", c.ID).Msg("failed to archive result")
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, q Query, c capacity.Contender, a attempt) {
	metrics.DispatchAttempts.WithLabelValues(q.Task, a.kind.String()).Inc()
	if err := d.store.RecordFailure(ctx, c.ID, a.kind); err != nil {
		log.Error().Err(err).Str("contender", c.ID).Msg("failed to record failure")
	}
	log.Debug().
		Str("contender", c.ID).
		Str("query_type", q.queryType()).
		Int("status", a.result.StatusCode).
		Str("error", a.result.ErrorMessage).
		Msg("contender failed")
}
