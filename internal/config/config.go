package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultConcurrency         = 3
	DefaultBatchSize           = 3
	DefaultJobTimeoutMinutes   = 30
	DefaultPollIntervalSeconds = 5
	DefaultStageBudgetMinutes  = 10
	DefaultSelfCorrLimit       = 0.7
	DefaultProdCorrLimit       = 0.7
	DefaultMaxAuthRetries      = 4
	DefaultLedgerPath          = "alphaflow.sqlite3"
	DefaultLogLevel            = "info"
)

// Config holds the application configuration. Credentials come from the
// environment, everything else from the TOML file with defaults applied.
type Config struct {
	BaseURL  string `toml:"base_url"`
	Email    string `toml:"-"`
	Password string `toml:"-"`

	Concurrency         int64   `toml:"concurrency"`
	BatchSize           int     `toml:"batch_size"`
	JobTimeoutMinutes   int     `toml:"job_timeout_minutes"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
	StageBudgetMinutes  int     `toml:"stage_budget_minutes"`
	SelfCorrLimit       float64 `toml:"self_corr_limit"`
	ProdCorrLimit       float64 `toml:"prod_corr_limit"`
	MaxAuthRetries      int     `toml:"max_auth_retries"`

	LedgerPath string `toml:"ledger_path"`
	LogLevel   string `toml:"log_level"`
}

// Default returns a config with every tunable at its default.
func Default() *Config {
	return &Config{
		Concurrency:         DefaultConcurrency,
		BatchSize:           DefaultBatchSize,
		JobTimeoutMinutes:   DefaultJobTimeoutMinutes,
		PollIntervalSeconds: DefaultPollIntervalSeconds,
		StageBudgetMinutes:  DefaultStageBudgetMinutes,
		SelfCorrLimit:       DefaultSelfCorrLimit,
		ProdCorrLimit:       DefaultProdCorrLimit,
		MaxAuthRetries:      DefaultMaxAuthRetries,
		LedgerPath:          DefaultLedgerPath,
		LogLevel:            DefaultLogLevel,
	}
}

// Load reads the TOML file at path (if it exists), applies environment
// overrides for credentials and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("ALPHAFLOW_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	cfg.Email = os.Getenv("ALPHAFLOW_EMAIL")
	cfg.Password = os.Getenv("ALPHAFLOW_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and tunable ranges.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required (config file or ALPHAFLOW_BASE_URL)")
	}
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("ALPHAFLOW_EMAIL and ALPHAFLOW_PASSWORD must be set")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.SelfCorrLimit <= 0 || c.SelfCorrLimit > 1 {
		return fmt.Errorf("self_corr_limit must be in (0,1], got %g", c.SelfCorrLimit)
	}
	if c.ProdCorrLimit <= 0 || c.ProdCorrLimit > 1 {
		return fmt.Errorf("prod_corr_limit must be in (0,1], got %g", c.ProdCorrLimit)
	}
	return nil
}

// JobTimeout returns the per-job wall-clock limit.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}

// PollInterval returns the spacing between poll attempts when the server
// gives no wait directive.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StageBudget returns the soft wait budget for the remote pipeline stages.
func (c *Config) StageBudget() time.Duration {
	return time.Duration(c.StageBudgetMinutes) * time.Minute
}
