package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tensorplex-labs/arena/internal/capacity"
)

// MemoryStore keeps everything in process. Used for local development and tests;
// each method holds the lock for the whole mutation, matching the atomicity of
// the SQL statements in GormStore.
type MemoryStore struct {
	mu           sync.Mutex
	contenders   map[string]*capacity.Contender
	history      []capacity.ContenderHistory
	periodScores []capacity.PeriodScore
	rewardData   []capacity.RewardData
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contenders: make(map[string]*capacity.Contender),
		now:        time.Now,
	}
}

func (s *MemoryStore) InsertContenders(_ context.Context, contenders []capacity.Contender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// timestamps are written back like gorm's Create does
	for i := range contenders {
		if contenders[i].CreatedAt.IsZero() {
			contenders[i].CreatedAt = s.now()
		}
		contenders[i].UpdatedAt = s.now()
		c := contenders[i]
		s.contenders[c.ID] = &c
	}
	return nil
}

func (s *MemoryStore) GetContender(_ context.Context, id string) (*capacity.Contender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contenders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListContenders(_ context.Context) ([]capacity.Contender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(""), nil
}

func (s *MemoryStore) ListContendersForTask(_ context.Context, task string) ([]capacity.Contender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(task), nil
}

func (s *MemoryStore) sortedLocked(task string) []capacity.Contender {
	out := make([]capacity.Contender, 0, len(s.contenders))
	for _, c := range s.contenders {
		if task != "" && c.Task != task {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) RecordSuccess(_ context.Context, id string, work float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contenders[id]
	if !ok {
		return ErrNotFound
	}
	c.TotalRequestsMade++
	c.ConsumedCapacity += work
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, kind capacity.FailureKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contenders[id]
	if !ok {
		return ErrNotFound
	}
	c.TotalRequestsMade++
	if kind == capacity.FailureRateLimited {
		c.Requests429++
	} else {
		c.Requests500++
	}
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DecrementSyntheticRequests(_ context.Context, id string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contenders[id]
	if !ok || c.SyntheticRequestsStillToMake <= 0 {
		return 0, false, nil
	}
	c.SyntheticRequestsStillToMake--
	return c.SyntheticRequestsStillToMake, true, nil
}

func (s *MemoryStore) RollOver(_ context.Context, now time.Time) ([]capacity.Contender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.sortedLocked("")
	for i := range snapshot {
		snapshot[i].PeriodScore = snapshot[i].PeriodScoreOf()
		s.history = append(s.history, snapshot[i].ToHistory(now))
		row := periodScoreRow(snapshot[i], now)
		row.ID = uint64(len(s.periodScores) + 1)
		s.periodScores = append(s.periodScores, row)
	}
	s.contenders = make(map[string]*capacity.Contender)
	return snapshot, nil
}

// History returns a copy of the contender history rows.
func (s *MemoryStore) History() []capacity.ContenderHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capacity.ContenderHistory(nil), s.history...)
}

// InsertPeriodScores appends period score rows directly; used to seed history.
func (s *MemoryStore) InsertPeriodScores(rows ...capacity.PeriodScore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodScores = append(s.periodScores, rows...)
}

func (s *MemoryStore) PeriodScores(_ context.Context, identity, task string) ([]capacity.PeriodScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capacity.PeriodScore
	for _, r := range s.periodScores {
		if r.NodeIdentity == identity && r.Task == task {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PrunePeriodScores(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.periodScores[:0]
	var removed int64
	for _, r := range s.periodScores {
		if r.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.periodScores = kept
	return removed, nil
}

func (s *MemoryStore) InsertRewardData(_ context.Context, row capacity.RewardData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	s.rewardData = append(s.rewardData, row)
	return nil
}

func (s *MemoryStore) RecentRewardData(_ context.Context, identity, task string, since time.Time, limit int) ([]capacity.RewardData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capacity.RewardData
	for _, r := range s.rewardData {
		if r.NodeIdentity == identity && r.Task == task && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PruneRewardData(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rewardData[:0]
	var removed int64
	for _, r := range s.rewardData {
		if r.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.rewardData = kept
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
