// Package capacity holds the contender model: declared and corrected capacity,
// request counters and the period score derived from them.
package capacity

import (
	"fmt"
	"time"
)

// Contender is a node's registration for one task during the current scoring period.
type Contender struct {
	ID           string `gorm:"primaryKey;size:128" json:"id"`
	NodeIdentity string `gorm:"size:64;index:idx_contender_identity_task" json:"node_identity"`
	NodeID       int64  `json:"node_id"`
	Task         string `gorm:"size:64;index:idx_contender_identity_task" json:"task"`

	RawCapacity      float64 `json:"raw_capacity"`
	Capacity         float64 `json:"capacity"`
	CapacityToScore  float64 `json:"capacity_to_score"`
	ConsumedCapacity float64 `gorm:"not null;default:0" json:"consumed_capacity"`

	TotalRequestsMade int64 `gorm:"not null;default:0" json:"total_requests_made"`
	Requests429       int64 `gorm:"column:requests_429;not null;default:0" json:"requests_429"`
	Requests500       int64 `gorm:"column:requests_500;not null;default:0" json:"requests_500"`

	PeriodScore                  *float64 `json:"period_score"`
	SyntheticRequestsStillToMake int64    `gorm:"not null;default:0" json:"synthetic_requests_still_to_make"`

	// Selector signals carried over from the last scoring run.
	LastCombinedQualityScore *float64 `json:"last_combined_quality_score"`
	NormalisedPeriodScore    *float64 `json:"normalised_period_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Contender) TableName() string { return "contenders" }

// ContenderHistory is the append-only snapshot of a contender at period rollover.
type ContenderHistory struct {
	HistoryID                    uint64    `gorm:"primaryKey;autoIncrement" json:"history_id"`
	ContenderID                  string    `gorm:"size:128;index" json:"contender_id"`
	NodeIdentity                 string    `gorm:"size:64" json:"node_identity"`
	NodeID                       int64     `json:"node_id"`
	Task                         string    `gorm:"size:64" json:"task"`
	RawCapacity                  float64   `json:"raw_capacity"`
	Capacity                     float64   `json:"capacity"`
	CapacityToScore              float64   `json:"capacity_to_score"`
	ConsumedCapacity             float64   `json:"consumed_capacity"`
	TotalRequestsMade            int64     `json:"total_requests_made"`
	Requests429                  int64     `gorm:"column:requests_429" json:"requests_429"`
	Requests500                  int64     `gorm:"column:requests_500" json:"requests_500"`
	PeriodScore                  *float64  `json:"period_score"`
	SyntheticRequestsStillToMake int64     `json:"synthetic_requests_still_to_make"`
	CreatedAt                    time.Time `json:"created_at"`
	ArchivedAt                   time.Time `gorm:"index" json:"archived_at"`
}

func (ContenderHistory) TableName() string { return "contenders_history" }

// ToHistory snapshots the contender for the history table.
func (c Contender) ToHistory(archivedAt time.Time) ContenderHistory {
	return ContenderHistory{
		ContenderID:                  c.ID,
		NodeIdentity:                 c.NodeIdentity,
		NodeID:                       c.NodeID,
		Task:                         c.Task,
		RawCapacity:                  c.RawCapacity,
		Capacity:                     c.Capacity,
		CapacityToScore:              c.CapacityToScore,
		ConsumedCapacity:             c.ConsumedCapacity,
		TotalRequestsMade:            c.TotalRequestsMade,
		Requests429:                  c.Requests429,
		Requests500:                  c.Requests500,
		PeriodScore:                  c.PeriodScore,
		SyntheticRequestsStillToMake: c.SyntheticRequestsStillToMake,
		CreatedAt:                    c.CreatedAt,
		ArchivedAt:                   archivedAt,
	}
}

// PeriodScore is one historical period score row for an (identity, task) pair.
type PeriodScore struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	NodeIdentity     string    `gorm:"size:64;index:idx_period_identity_task" json:"node_identity"`
	Task             string    `gorm:"size:64;index:idx_period_identity_task" json:"task"`
	PeriodScore      *float64  `json:"period_score"`
	ConsumedCapacity float64   `json:"consumed_capacity"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

func (PeriodScore) TableName() string { return "period_scores" }

// RewardData is one scored result.
type RewardData struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Task           string    `gorm:"size:64;index:idx_reward_identity_task" json:"task"`
	NodeIdentity   string    `gorm:"size:64;index:idx_reward_identity_task" json:"node_identity"`
	QualityScore   float64   `json:"quality_score"`
	SyntheticQuery bool      `json:"synthetic_query"`
	ResponseTime   float64   `json:"response_time"`
	Volume         float64   `json:"volume"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (RewardData) TableName() string { return "reward_data" }

// QueryResult is the normalised outcome of one dispatch attempt.
type QueryResult struct {
	Task              string  `json:"task"`
	NodeIdentity      string  `json:"node_identity"`
	NodeID            int64   `json:"node_id"`
	Success           bool    `json:"success"`
	StatusCode        int     `json:"status_code"`
	ResponseTime      float64 `json:"response_time"`
	FormattedResponse any     `json:"formatted_response"`
	ErrorMessage      string  `json:"error_message,omitempty"`
}

// FailureKind selects which error counter a failed request increments.
type FailureKind int

const (
	FailureServerError FailureKind = iota
	FailureRateLimited
)

func (k FailureKind) String() string {
	if k == FailureRateLimited {
		return "429"
	}
	return "500"
}

// FailureKindForStatus maps an HTTP-like status code to a failure counter.
func FailureKindForStatus(status int) FailureKind {
	if status == 429 {
		return FailureRateLimited
	}
	return FailureServerError
}

// ContenderID returns the unique id of the (identity, task) pair.
func ContenderID(identity, task string) string {
	return fmt.Sprintf("%s-%s", identity, task)
}
