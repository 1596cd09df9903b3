package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/config"
)

type GormStore struct {
	db *gorm.DB
}

// NewGormStore connects to postgres and migrates the schema.
func NewGormStore(cfg *config.DatabaseEnvConfig) (*GormStore, error) {
	if cfg == nil || cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&capacity.Contender{},
		&capacity.ContenderHistory{},
		&capacity.PeriodScore{},
		&capacity.RewardData{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	log.Info().Msg("database connected and schema migrated")
	return &GormStore{db: db}, nil
}

func (s *GormStore) InsertContenders(ctx context.Context, contenders []capacity.Contender) error {
	if len(contenders) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&contenders).Error
}

func (s *GormStore) GetContender(ctx context.Context, id string) (*capacity.Contender, error) {
	var c capacity.Contender
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) ListContenders(ctx context.Context) ([]capacity.Contender, error) {
	var out []capacity.Contender
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) ListContendersForTask(ctx context.Context, task string) ([]capacity.Contender, error) {
	var out []capacity.Contender
	err := s.db.WithContext(ctx).Where("task = ?", task).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) RecordSuccess(ctx context.Context, id string, work float64) error {
	res := s.db.WithContext(ctx).
		Model(&capacity.Contender{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"total_requests_made": gorm.Expr("total_requests_made + 1"),
			"consumed_capacity":   gorm.Expr("consumed_capacity + ?", work),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RecordFailure(ctx context.Context, id string, kind capacity.FailureKind) error {
	column := "requests_500"
	if kind == capacity.FailureRateLimited {
		column = "requests_429"
	}
	res := s.db.WithContext(ctx).
		Model(&capacity.Contender{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"total_requests_made": gorm.Expr("total_requests_made + 1"),
			column:                gorm.Expr(column + " + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DecrementSyntheticRequests(ctx context.Context, id string) (int64, bool, error) {
	var c capacity.Contender
	res := s.db.WithContext(ctx).
		Model(&c).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "synthetic_requests_still_to_make"}}}).
		Where("id = ? AND synthetic_requests_still_to_make > 0", id).
		UpdateColumn("synthetic_requests_still_to_make", gorm.Expr("synthetic_requests_still_to_make - 1"))
	if res.Error != nil {
		return 0, false, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, false, nil
	}
	return c.SyntheticRequestsStillToMake, true, nil
}

func (s *GormStore) RollOver(ctx context.Context, now time.Time) ([]capacity.Contender, error) {
	var snapshot []capacity.Contender
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Order("id").Find(&snapshot).Error; err != nil {
			return fmt.Errorf("lock contenders: %w", err)
		}
		if len(snapshot) == 0 {
			return nil
		}

		history := make([]capacity.ContenderHistory, 0, len(snapshot))
		scores := make([]capacity.PeriodScore, 0, len(snapshot))
		for i := range snapshot {
			snapshot[i].PeriodScore = snapshot[i].PeriodScoreOf()
			history = append(history, snapshot[i].ToHistory(now))
			scores = append(scores, periodScoreRow(snapshot[i], now))
		}

		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if err := tx.Create(&scores).Error; err != nil {
			return fmt.Errorf("insert period scores: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&capacity.Contender{}).Error; err != nil {
			return fmt.Errorf("clear contenders: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *GormStore) PeriodScores(ctx context.Context, identity, task string) ([]capacity.PeriodScore, error) {
	var out []capacity.PeriodScore
	err := s.db.WithContext(ctx).
		Where("node_identity = ? AND task = ?", identity, task).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) PrunePeriodScores(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&capacity.PeriodScore{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) InsertRewardData(ctx context.Context, row capacity.RewardData) error {
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) RecentRewardData(ctx context.Context, identity, task string, since time.Time, limit int) ([]capacity.RewardData, error) {
	var out []capacity.RewardData
	err := s.db.WithContext(ctx).
		Where("node_identity = ? AND task = ? AND created_at >= ?", identity, task, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) PruneRewardData(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&capacity.RewardData{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
