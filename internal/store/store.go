// Package store is the relational persistence layer for contenders, their
// history, period scores and scored results. Every counter mutation is a single
// atomic statement so concurrent dispatches can target the same contender.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tensorplex-labs/arena/internal/capacity"
)

var ErrNotFound = errors.New("contender not found")

type Store interface {
	InsertContenders(ctx context.Context, contenders []capacity.Contender) error
	GetContender(ctx context.Context, id string) (*capacity.Contender, error)
	ListContenders(ctx context.Context) ([]capacity.Contender, error)
	ListContendersForTask(ctx context.Context, task string) ([]capacity.Contender, error)

	// RecordSuccess increments total requests and adds work to consumed capacity.
	RecordSuccess(ctx context.Context, id string, work float64) error
	// RecordFailure increments total requests and the 429 or 500 counter.
	RecordFailure(ctx context.Context, id string, kind capacity.FailureKind) error
	// DecrementSyntheticRequests decrements the remaining probe counter if it is
	// positive and returns the value after the decrement. ok is false when the
	// contender is gone or has nothing left to make.
	DecrementSyntheticRequests(ctx context.Context, id string) (remaining int64, ok bool, err error)

	// RollOver computes each live contender's period score, appends history and
	// period score rows, and clears the live table in one transaction. It returns
	// the final snapshot of the rolled-over contenders.
	RollOver(ctx context.Context, now time.Time) ([]capacity.Contender, error)

	PeriodScores(ctx context.Context, identity, task string) ([]capacity.PeriodScore, error)
	PrunePeriodScores(ctx context.Context, before time.Time) (int64, error)

	InsertRewardData(ctx context.Context, row capacity.RewardData) error
	RecentRewardData(ctx context.Context, identity, task string, since time.Time, limit int) ([]capacity.RewardData, error)
	PruneRewardData(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

func periodScoreRow(c capacity.Contender, now time.Time) capacity.PeriodScore {
	return capacity.PeriodScore{
		NodeIdentity:     c.NodeIdentity,
		Task:             c.Task,
		PeriodScore:      c.PeriodScore,
		ConsumedCapacity: c.ConsumedCapacity,
		CreatedAt:        now,
	}
}
