// Package config defines process configuration and how it is loaded.
//
// Keys are flat so that every field can be set from the environment:
// ELOSYNC_SYNC_INTERVAL sets sync_interval.
package config

import (
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Env selects the log encoder: "local" for console output, anything
	// else for JSON.
	Env string `koanf:"env"`

	// Addr configures the ops HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DBDriver is "sqlite" or "pgx".
	DBDriver string `koanf:"db_driver"`
	// DBDSN is a file path for sqlite or a connection URL for postgres.
	DBDSN string `koanf:"db_dsn"`
	// DBMaxOpenConns bounds the postgres pool.
	DBMaxOpenConns int `koanf:"db_max_open_conns"`

	// APIToken authenticates against football-data.org.
	APIToken string `koanf:"api_token"`
	// APIBaseURL overrides the upstream API root.
	APIBaseURL string `koanf:"api_base_url"`
	// APITimeout is the per-request upstream timeout.
	APITimeout time.Duration `koanf:"api_timeout"`
	// Competition is the upstream competition code.
	Competition string `koanf:"competition"`
	// Season pins the upstream season start year; zero lets it default.
	Season int `koanf:"season"`

	SyncInterval        time.Duration `koanf:"sync_interval"`
	SyncLookbackDays    int           `koanf:"sync_lookback_days"`
	SyncChunkDays       int           `koanf:"sync_chunk_days"`
	SyncRequestInterval time.Duration `koanf:"sync_request_interval"`
	SyncMaxRetries      int           `koanf:"sync_max_retries"`
	SyncBackoffBase     time.Duration `koanf:"sync_backoff_base"`
	SyncBackoffMax      time.Duration `koanf:"sync_backoff_max"`
	// SyncSeasonStart (YYYY-MM-DD) bounds the first pass on an empty store.
	SyncSeasonStart string `koanf:"sync_season_start"`
	// RebuildOnLateEvents rebuilds ratings after a pass that ingested
	// events out of order. On by default so late events land in
	// chronological order.
	RebuildOnLateEvents bool `koanf:"rebuild_on_late_events"`

	// RedisAddr enables the shared season cache when set.
	RedisAddr string `koanf:"redis_addr"`
	// SeasonCacheTTL is how long season metadata stays fresh.
	SeasonCacheTTL time.Duration `koanf:"season_cache_ttl"`

	// KafkaBrokers enables rating update publication when set.
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`

	// ModelURL is the HTTP outcome model. Empty uses the rating baseline.
	ModelURL string `koanf:"model_url"`
	// ScalerMean and ScalerScale standardize the vector for the model.
	ScalerMean  []float64 `koanf:"scaler_mean"`
	ScalerScale []float64 `koanf:"scaler_scale"`
	// PredictOnIngest stores a prediction with every new event.
	PredictOnIngest bool `koanf:"predict_on_ingest"`

	// TeamAliases maps upstream names to stored names.
	TeamAliases map[string]string `koanf:"team_aliases"`

	KFactor       float64 `koanf:"k_factor"`
	HomeAdvantage float64 `koanf:"home_advantage"`

	// RebuildBatchSize is the number of events folded per transaction.
	RebuildBatchSize int `koanf:"rebuild_batch_size"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Env:                 "production",
		Addr:                ":9080",
		DBDriver:            "sqlite",
		DBDSN:               "elosync.db",
		DBMaxOpenConns:      10,
		APIBaseURL:          "https://api.football-data.org/v4",
		APITimeout:          10 * time.Second,
		Competition:         "PL",
		SyncInterval:        24 * time.Hour,
		SyncLookbackDays:    10,
		SyncChunkDays:       5,
		SyncRequestInterval: 6 * time.Second,
		SyncMaxRetries:      3,
		SyncBackoffBase:     5 * time.Second,
		SyncBackoffMax:      60 * time.Second,
		SyncSeasonStart:     "2024-08-01",
		SeasonCacheTTL:      6 * time.Hour,
		KafkaTopic:          "elosync.ratings",
		RebuildOnLateEvents: true,
		PredictOnIngest:     true,
		TeamAliases:         map[string]string{},
		KFactor:             30,
		HomeAdvantage:       70,
		RebuildBatchSize:    500,
	}
}

// SeasonStart parses SyncSeasonStart.
func (c *Config) SeasonStart() (time.Time, error) {
	return time.Parse(dateLayout, c.SyncSeasonStart)
}
