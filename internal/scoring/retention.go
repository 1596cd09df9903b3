package scoring

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
)

const queryResultsPrefix = "query_results:"

// QueryResultsKey is the list holding archived results awaiting a quality check.
func QueryResultsKey(task string) string {
	return queryResultsPrefix + task
}

// ArchivedResult is a successful result kept for quality checking.
type ArchivedResult struct {
	ID             string  `json:"id"`
	Task           string  `json:"task"`
	NodeIdentity   string  `json:"node_identity"`
	NodeID         int64   `json:"node_id"`
	SyntheticQuery bool    `json:"synthetic_query"`
	ResponseTime   float64 `json:"response_time"`
	Volume         float64 `json:"volume"`
	Payload        any     `json:"payload"`
	Response       any     `json:"response"`
}

// ShouldArchive decides whether one more result for a task is kept. Under the
// task's share of maxResults it always is; past it the probability falls off as
// (target/actual - target)^4.
func ShouldArchive(taskWeight float64, taskCount, totalCount int64, maxResults int, draw float64) bool {
	targetSlots := taskWeight * float64(maxResults)
	if float64(taskCount) < targetSlots || totalCount <= 0 || taskCount <= 0 {
		return true
	}
	return draw < RetentionProbability(taskWeight, float64(taskCount)/float64(totalCount))
}

// RetentionProbability is clamp((target/actual - target)^4, 0, 1).
func RetentionProbability(targetFraction, actualFraction float64) float64 {
	if actualFraction <= 0 {
		return 1
	}
	p := math.Pow(targetFraction/actualFraction-targetFraction, 4)
	return math.Min(math.Max(p, 0), 1)
}

// Archive keeps successful results in per-task redis lists subject to the
// retention quota.
type Archive struct {
	redis      redis.RedisInterface
	registry   *tasks.Registry
	maxResults int

	mu   sync.Mutex
	rand *rand.Rand
}

func NewArchive(r redis.RedisInterface, registry *tasks.Registry, maxResults int, rnd *rand.Rand) *Archive {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Archive{redis: r, registry: registry, maxResults: maxResults, rand: rnd}
}

// Store archives result if the retention policy allows it.
func (a *Archive) Store(ctx context.Context, result ArchivedResult) (bool, error) {
	cfg, ok := a.registry.Get(result.Task)
	if !ok {
		return false, fmt.Errorf("unknown task %q", result.Task)
	}

	var taskCount, total int64
	for _, name := range a.registry.Names() {
		n, err := a.redis.LLen(ctx, QueryResultsKey(name))
		if err != nil {
			return false, fmt.Errorf("count archived results for %s: %w", name, err)
		}
		total += n
		if name == result.Task {
			taskCount = n
		}
	}

	a.mu.Lock()
	draw := a.rand.Float64()
	a.mu.Unlock()
	if !ShouldArchive(cfg.Weight, taskCount, total, a.maxResults, draw) {
		log.Trace().Str("task", result.Task).Int64("task_count", taskCount).Int64("total", total).Msg("result not archived")
		return false, nil
	}

	b, err := sonic.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal archived result: %w", err)
	}
	if err := a.redis.RPush(ctx, QueryResultsKey(result.Task), string(b)); err != nil {
		return false, fmt.Errorf("archive result: %w", err)
	}
	metrics.ArchivedResults.WithLabelValues(result.Task).Inc()
	return true, nil
}
