package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "ELOSYNC_"
	envConfig  = "ELOSYNC_CONFIG"
	dateLayout = "2006-01-02"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if ELOSYNC_CONFIG is set
//  3. env (prefix ELOSYNC_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// ELOSYNC_SYNC_INTERVAL -> sync_interval; underscores are kept to match
	// the flat koanf tags.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		if s == envConfig {
			return ""
		}
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration can run the service.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Addr != "", "addr must not be empty")
	check(c.DBDriver == "sqlite" || c.DBDriver == "pgx", fmt.Sprintf("db_driver %q must be sqlite or pgx", c.DBDriver))
	check(c.DBDSN != "", "db_dsn must not be empty")
	check(c.Competition != "", "competition must not be empty")
	check(c.APITimeout > 0, "api_timeout must be positive")
	check(c.SyncInterval > 0, "sync_interval must be positive")
	check(c.SyncLookbackDays >= 0, "sync_lookback_days must not be negative")
	check(c.SyncChunkDays > 0, "sync_chunk_days must be positive")
	check(c.SyncRequestInterval >= 0, "sync_request_interval must not be negative")
	check(c.SyncMaxRetries >= 0, "sync_max_retries must not be negative")
	check(c.SyncBackoffBase > 0 && c.SyncBackoffMax >= c.SyncBackoffBase,
		"sync_backoff_base must be positive and not above sync_backoff_max")
	if _, err := c.SeasonStart(); err != nil {
		problems = append(problems, fmt.Sprintf("sync_season_start %q must be %s", c.SyncSeasonStart, dateLayout))
	}
	check(c.KFactor > 0, "k_factor must be positive")
	check(c.HomeAdvantage >= 0, "home_advantage must not be negative")
	check(c.RebuildBatchSize > 0, "rebuild_batch_size must be positive")
	check(len(c.ScalerMean) == len(c.ScalerScale), "scaler_mean and scaler_scale must have the same length")
	check(len(c.KafkaBrokers) == 0 || c.KafkaTopic != "", "kafka_topic must be set when kafka_brokers is")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
