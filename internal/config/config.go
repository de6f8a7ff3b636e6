// Package config loads verifier pool settings from defaults, an optional YAML file,
// optional .env files and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at an optional YAML config file.
const FileEnv = "VERIFIER_CONFIG_FILE"

// Supported chains and registry stores.
const (
	ChainEVM = "evm"
	ChainNeo = "neo"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// SweepDisabled turns the fallback reclaim sweep off.
const SweepDisabled = "off"

// PoolConfig holds every runtime setting of a verifier pool process.
//
// Env tags carry no defaults so an unset variable never overrides a YAML value.
type PoolConfig struct {
	Chain        string        `yaml:"chain" env:"VERIFIER_CHAIN"`
	RPCURL       string        `yaml:"rpc_url" env:"VERIFIER_RPC_URL"`
	ChainID      uint64        `yaml:"chain_id" env:"VERIFIER_CHAIN_ID"`
	PollInterval time.Duration `yaml:"poll_interval" env:"VERIFIER_POLL_INTERVAL"`

	MaxPending            int64  `yaml:"max_pending" env:"VERIFIER_MAX_PENDING"`
	BlockWindow           uint64 `yaml:"block_window" env:"VERIFIER_BLOCK_WINDOW"`
	ReclaimIntervalBlocks uint64 `yaml:"reclaim_interval_blocks" env:"VERIFIER_RECLAIM_INTERVAL_BLOCKS"`
	ResetOnStartup        bool   `yaml:"reset_on_startup" env:"VERIFIER_RESET_ON_STARTUP"`
	ResetOnShutdown       bool   `yaml:"reset_on_shutdown" env:"VERIFIER_RESET_ON_SHUTDOWN"`
	FallbackSweep         string `yaml:"fallback_sweep" env:"VERIFIER_FALLBACK_SWEEP"`

	MaxRetries     int           `yaml:"max_retries" env:"VERIFIER_MAX_RETRIES"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"VERIFIER_RETRY_DELAY"`
	ClaimRate      float64       `yaml:"claim_rate" env:"VERIFIER_CLAIM_RATE"`
	ClaimBurst     int           `yaml:"claim_burst" env:"VERIFIER_CLAIM_BURST"`
	ReleaseTimeout time.Duration `yaml:"release_timeout" env:"VERIFIER_RELEASE_TIMEOUT"`

	Store         string `yaml:"store" env:"VERIFIER_STORE"`
	PostgresDSN   string `yaml:"postgres_dsn" env:"VERIFIER_POSTGRES_DSN"`
	RedisAddr     string `yaml:"redis_addr" env:"VERIFIER_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"VERIFIER_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"VERIFIER_REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"VERIFIER_REDIS_PREFIX"`

	Keys string `yaml:"keys" env:"VERIFIER_KEYS"`

	HTTPAddr  string `yaml:"http_addr" env:"VERIFIER_HTTP_ADDR"`
	LogLevel  string `yaml:"log_level" env:"VERIFIER_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"VERIFIER_LOG_FORMAT"`
}

// Defaults returns the built-in configuration.
func Defaults() *PoolConfig {
	return &PoolConfig{
		Chain:                 ChainEVM,
		PollInterval:          2 * time.Second,
		MaxPending:            5,
		BlockWindow:           1,
		ReclaimIntervalBlocks: 5,
		ResetOnShutdown:       true,
		FallbackSweep:         "@every 30s",
		MaxRetries:            3,
		RetryDelay:            time.Second,
		ClaimBurst:            1,
		ReleaseTimeout:        5 * time.Second,
		Store:                 StoreMemory,
		RedisPrefix:           "verifierpool",
		HTTPAddr:              ":8090",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load builds a PoolConfig. envFiles are optional .env files; missing ones are ignored.
// The YAML file named by VERIFIER_CONFIG_FILE is read after the .env files so it may be
// set there.
func Load(envFiles ...string) (*PoolConfig, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := Defaults()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := envdecode.StrictDecode(cfg); err != nil && !errors.Is(err, envdecode.ErrInvalidTarget) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults without consulting the environment.
func LoadFromPath(path string) (*PoolConfig, error) {
	cfg := Defaults()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *PoolConfig) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the pool cannot run with.
func (c *PoolConfig) Validate() error {
	c.Chain = strings.ToLower(strings.TrimSpace(c.Chain))
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))

	var errs []error
	switch c.Chain {
	case ChainEVM, ChainNeo:
	default:
		errs = append(errs, fmt.Errorf("unknown chain %q", c.Chain))
	}
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc url is required"))
	}
	if c.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("max pending must be at least 1, got %d", c.MaxPending))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 || c.PollInterval < 0 || c.ReleaseTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.ClaimRate < 0 {
		errs = append(errs, fmt.Errorf("claim rate must not be negative, got %v", c.ClaimRate))
	}
	if c.SweepEnabled() {
		if _, err := cron.ParseStandard(c.FallbackSweep); err != nil {
			errs = append(errs, fmt.Errorf("fallback sweep schedule %q: %w", c.FallbackSweep, err))
		}
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SweepEnabled reports whether the fallback reclaim sweep should run.
func (c *PoolConfig) SweepEnabled() bool {
	s := strings.TrimSpace(c.FallbackSweep)
	return s != "" && !strings.EqualFold(s, SweepDisabled)
}
