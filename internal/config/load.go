// Package config defines environment configuration structs and loaders.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type AppConfig struct {
	ChainEnvConfig
	WalletEnvConfig
	KamiEnvConfig
	RedisEnvConfig
	DatabaseEnvConfig
	SyntheticAPIEnvConfig
	CheckerEnvConfig
	SelectorEnvConfig
	DispatchEnvConfig
	ValidatorEnvConfig
	MetricsEnvConfig
}

func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ChainEnvConfig holds chain-specific environment values.
type ChainEnvConfig struct {
	Netuid int `env:"NETUID" envDefault:"19"`
}

// WalletEnvConfig holds wallet key configuration.
type WalletEnvConfig struct {
	WalletHotkey  string `env:"WALLET_HOTKEY"`
	WalletColdkey string `env:"WALLET_COLDKEY"`
	BittensorDir  string `env:"BITTENSOR_DIR" envDefault:"~/.bittensor"`
}

// KamiEnvConfig contains Kami service target and keys.
type KamiEnvConfig struct {
	SubtensorNetwork string        `env:"SUBTENSOR_NETWORK" envDefault:"test"`
	KamiHost         string        `env:"KAMI_HOST" envDefault:"127.0.0.1"`
	KamiPort         string        `env:"KAMI_PORT" envDefault:"3000"`
	KamiRetryMax     int           `env:"KAMI_RETRY_MAX" envDefault:"5"`
	KamiTimeout      time.Duration `env:"KAMI_TIMEOUT" envDefault:"30s"`
}

// RedisEnvConfig configures Redis connection.
type RedisEnvConfig struct {
	RedisHost     string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisUsername string `env:"REDIS_USERNAME"`
}

// DatabaseEnvConfig configures the relational store. An empty DSN selects the
// in-memory store.
type DatabaseEnvConfig struct {
	DatabaseDSN     string        `env:"DATABASE_DSN"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"50"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// SyntheticAPIEnvConfig configures synthetic payload generation.
type SyntheticAPIEnvConfig struct {
	SyntheticAPIUrl     string        `env:"SYNTHETIC_API_URL" envDefault:"http://localhost:5003"`
	SyntheticAPITimeout time.Duration `env:"SYNTHETIC_API_TIMEOUT" envDefault:"20s"`
}

// CheckerEnvConfig configures the external quality checker.
type CheckerEnvConfig struct {
	CheckerURL      string        `env:"CHECKER_URL" envDefault:"http://localhost:5005"`
	CheckerTimeout  time.Duration `env:"CHECKER_TIMEOUT" envDefault:"60s"`
	CheckerInterval time.Duration `env:"CHECKER_INTERVAL" envDefault:"2s"`
}

// SelectorEnvConfig tunes contender selection.
type SelectorEnvConfig struct {
	QualityWeight        float64 `env:"SELECTOR_QUALITY_WEIGHT" envDefault:"0.7"`
	PeriodWeight         float64 `env:"SELECTOR_PERIOD_WEIGHT" envDefault:"0.3"`
	OrganicTemperature   float64 `env:"SELECTOR_ORGANIC_TEMPERATURE" envDefault:"0.5"`
	SyntheticTemperature float64 `env:"SELECTOR_SYNTHETIC_TEMPERATURE" envDefault:"0.1"`
	TopX                 int     `env:"SELECTOR_TOP_X" envDefault:"5"`
}

// DispatchEnvConfig configures the query dispatcher and the job pool.
type DispatchEnvConfig struct {
	MaxConcurrentJobs       int64         `env:"MAX_CONCURRENT_JOBS" envDefault:"5000"`
	MaxStreamAttempts       int           `env:"MAX_STREAM_ATTEMPTS" envDefault:"5"`
	StreamFirstChunkTimeout time.Duration `env:"STREAM_FIRST_CHUNK_TIMEOUT" envDefault:"5s"`
	MaxResultsInStore       int           `env:"MAX_RESULTS_IN_STORE" envDefault:"1000"`
}

// ValidatorEnvConfig configures validator runtime.
type ValidatorEnvConfig struct {
	ChainEnvConfig
	Environment             string        `env:"ENVIRONMENT" envDefault:"dev"`
	TasksConfigPath         string        `env:"TASKS_CONFIG_PATH"`
	ScoringPeriod           time.Duration `env:"SCORING_PERIOD" envDefault:"60m"`
	SafetyMargin            float64       `env:"SCORING_PERIOD_SAFETY_MARGIN" envDefault:"1.0"`
	CapacityToScoreFraction float64       `env:"CAPACITY_TO_SCORE_FRACTION" envDefault:"0.1"`
	SchedulerStatsInterval  time.Duration `env:"SCHEDULER_STATS_INTERVAL" envDefault:"60s"`
	RewardDataRetention     time.Duration `env:"REWARD_DATA_RETENTION" envDefault:"72h"`
	PeriodScoreRetention    time.Duration `env:"PERIOD_SCORE_RETENTION" envDefault:"168h"`
	VersionKey              int           `env:"WEIGHTS_VERSION_KEY" envDefault:"1"`
	SetWeightsAttempts      int           `env:"SET_WEIGHTS_ATTEMPTS" envDefault:"3"`
	SetWeightsBackoff       time.Duration `env:"SET_WEIGHTS_BACKOFF" envDefault:"10s"`
	WeightsDebounceBlocks   int           `env:"WEIGHTS_DEBOUNCE_BLOCKS" envDefault:"150"`
	WeightsStaleBlocks      int           `env:"WEIGHTS_STALE_BLOCKS" envDefault:"4000"`
	WeightsCheckBlocks      int           `env:"WEIGHTS_CHECK_BLOCKS" envDefault:"25"`
}

// MinerEnvConfig configures the reference contender node.
type MinerEnvConfig struct {
	WalletEnvConfig
	MinerAddress      string             `env:"MINER_ADDRESS" envDefault:"0.0.0.0:8080"`
	MinerCapacities   map[string]float64 `env:"MINER_CAPACITIES" envDefault:"chat-llama-3-1-8b:100000,completion-llama-3-1-8b:100000,text-to-image:200"`
	MinerStreamChunks int                `env:"MINER_STREAM_CHUNKS" envDefault:"8"`
	MinerChunkDelay   time.Duration      `env:"MINER_CHUNK_DELAY" envDefault:"20ms"`
}

// LoadMinerConfig parses the node configuration from the environment.
func LoadMinerConfig() (*MinerEnvConfig, error) {
	cfg := &MinerEnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MetricsEnvConfig configures the ops server.
type MetricsEnvConfig struct {
	MetricsPort int `env:"METRICS_PORT" envDefault:"9100"`
}

type IntervalConfig struct {
	MetagraphInterval time.Duration
	BlockInterval     time.Duration
	OrganicPoll       time.Duration
}

var (
	DevIntervalConfig = &IntervalConfig{
		MetagraphInterval: 5 * time.Second,
		BlockInterval:     2 * time.Second,
		OrganicPoll:       1 * time.Second,
	}
	TestIntervalConfig = &IntervalConfig{
		MetagraphInterval: 30 * time.Second,
		BlockInterval:     12 * time.Second,
		OrganicPoll:       5 * time.Second,
	}

	ProdIntervalConfig = &IntervalConfig{
		MetagraphInterval: 5 * time.Minute,
		BlockInterval:     12 * time.Second,
		OrganicPoll:       5 * time.Second,
	}
)

func NewIntervalConfig(environment string) *IntervalConfig {
	switch strings.ToLower(environment) {
	case "dev":
		return DevIntervalConfig
	case "test":
		return TestIntervalConfig
	case "prod":
		return ProdIntervalConfig
	}

	return DevIntervalConfig
}
