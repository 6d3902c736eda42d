// Package config handles loading and validating the pipeline configuration
// from defaults, an optional config file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/retry"
	"github.com/BartekS5/tracksync/pkg/utils"
	"github.com/spf13/viper"
)

// MaxPageSize is the most records the source returns per request.
const MaxPageSize = 50

// Config holds all configuration for the application. It is built once in
// the CLI and passed to every component constructor.
type Config struct {
	BatchSize      int
	PageSize       int
	FetchInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRuntime     time.Duration
	Lookback       time.Duration
	MaxHistoryDays int

	StoragePrefix       string
	EntityStoragePrefix string
	DatePartitionFormat string

	StorageBackend   string
	S3Bucket         string
	AWSRegion        string
	S3Endpoint       string
	GCSBucket        string
	LocalStoragePath string

	StateBackend    string
	StateFile       string
	LedgerFile      string
	BadgerDir       string
	MongoConnString string
	MongoDatabase   string
	SQLConnString   string

	SpotifyClientID      string
	SpotifyClientSecret  string
	SpotifyRefreshToken  string
	SourceBaseURL        string
	SourceTokenURL       string
	SourceRequestsPerMin int

	EnableEntityProcessing bool
	EntityBatchSize        int
	EntityBatchPause       time.Duration
	GenreTableFile         string
	GenreLookupURL         string

	LogLevel string
	LogFile  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", 50)
	v.SetDefault("page_size", MaxPageSize)
	v.SetDefault("fetch_interval", "30m")
	v.SetDefault("fetch_interval_minutes", 0)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", "4s")
	v.SetDefault("retry_max_delay", "10s")
	v.SetDefault("max_runtime", "0s")
	v.SetDefault("lookback", "24h")
	v.SetDefault("max_history_days", 50)

	v.SetDefault("storage_prefix", "spotify_listening_history")
	v.SetDefault("snowflake_stage_prefix", "")
	v.SetDefault("entity_storage_prefix", "spotify_artist_genres")
	v.SetDefault("date_partition_format", "%Y/%m/%d")

	v.SetDefault("storage_backend", "s3")
	v.SetDefault("s3_bucket_name", "")
	v.SetDefault("aws_region", "us-west-2")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("gcs_bucket_name", "")
	v.SetDefault("local_storage_path", "./data")

	v.SetDefault("state_backend", "file")
	v.SetDefault("state_file", "pipeline_state.json")
	v.SetDefault("ledger_file", "artist_genre_state.json")
	v.SetDefault("badger_dir", ".tracksync")
	v.SetDefault("mongo_connection_string", "")
	v.SetDefault("mongo_database", "tracksync")
	v.SetDefault("sql_connection_string", "")

	v.SetDefault("spotify_client_id", "")
	v.SetDefault("spotify_client_secret", "")
	v.SetDefault("spotify_refresh_token", "")
	v.SetDefault("source_base_url", "https://api.spotify.com/v1")
	v.SetDefault("source_token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("source_requests_per_minute", 100)

	v.SetDefault("enable_entity_processing", false)
	v.SetDefault("entity_batch_size", 50)
	v.SetDefault("entity_batch_pause", "1s")
	v.SetDefault("genre_table_file", "")
	v.SetDefault("genre_lookup_url", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load builds a Config from defaults, the optional file at path and the
// environment (BATCH_SIZE, S3_BUCKET_NAME, ...). The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, fmt.Errorf("failed to read config file '%s': %w", path, err))
		}
	}

	cfg := &Config{
		BatchSize:      v.GetInt("batch_size"),
		PageSize:       v.GetInt("page_size"),
		FetchInterval:  v.GetDuration("fetch_interval"),
		MaxRetries:     v.GetInt("max_retries"),
		RetryBaseDelay: v.GetDuration("retry_base_delay"),
		RetryMaxDelay:  v.GetDuration("retry_max_delay"),
		MaxRuntime:     v.GetDuration("max_runtime"),
		Lookback:       v.GetDuration("lookback"),
		MaxHistoryDays: v.GetInt("max_history_days"),

		StoragePrefix:       v.GetString("storage_prefix"),
		EntityStoragePrefix: v.GetString("entity_storage_prefix"),
		DatePartitionFormat: v.GetString("date_partition_format"),

		StorageBackend:   strings.ToLower(v.GetString("storage_backend")),
		S3Bucket:         v.GetString("s3_bucket_name"),
		AWSRegion:        v.GetString("aws_region"),
		S3Endpoint:       v.GetString("s3_endpoint"),
		GCSBucket:        v.GetString("gcs_bucket_name"),
		LocalStoragePath: v.GetString("local_storage_path"),

		StateBackend:    strings.ToLower(v.GetString("state_backend")),
		StateFile:       v.GetString("state_file"),
		LedgerFile:      v.GetString("ledger_file"),
		BadgerDir:       v.GetString("badger_dir"),
		MongoConnString: v.GetString("mongo_connection_string"),
		MongoDatabase:   v.GetString("mongo_database"),
		SQLConnString:   v.GetString("sql_connection_string"),

		SpotifyClientID:      v.GetString("spotify_client_id"),
		SpotifyClientSecret:  v.GetString("spotify_client_secret"),
		SpotifyRefreshToken:  v.GetString("spotify_refresh_token"),
		SourceBaseURL:        strings.TrimRight(v.GetString("source_base_url"), "/"),
		SourceTokenURL:       v.GetString("source_token_url"),
		SourceRequestsPerMin: v.GetInt("source_requests_per_minute"),

		EnableEntityProcessing: v.GetBool("enable_entity_processing"),
		EntityBatchSize:        v.GetInt("entity_batch_size"),
		EntityBatchPause:       v.GetDuration("entity_batch_pause"),
		GenreTableFile:         v.GetString("genre_table_file"),
		GenreLookupURL:         v.GetString("genre_lookup_url"),

		LogLevel: v.GetString("log_level"),
		LogFile:  v.GetString("log_file"),
	}

	// Legacy variable names from the first deployment.
	if minutes := v.GetInt("fetch_interval_minutes"); minutes > 0 {
		cfg.FetchInterval = time.Duration(minutes) * time.Minute
	}
	if legacy := v.GetString("snowflake_stage_prefix"); legacy != "" {
		cfg.StoragePrefix = legacy
	}
	cfg.StoragePrefix = strings.Trim(cfg.StoragePrefix, "/")
	cfg.EntityStoragePrefix = strings.Trim(cfg.EntityStoragePrefix, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make a run meaningless. Credentials are
// checked separately by RequireSource so that offline commands still work.
func (c *Config) Validate() error {
	var problems []string
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		problems = append(problems, fmt.Sprintf("page_size must be between 1 and %d", MaxPageSize))
	}
	if c.FetchInterval <= 0 {
		problems = append(problems, "fetch_interval must be positive")
	}
	if c.MaxRetries < 1 {
		problems = append(problems, "max_retries must be at least 1")
	}
	if c.MaxRuntime < 0 {
		problems = append(problems, "max_runtime must not be negative")
	}
	if c.MaxHistoryDays <= 0 {
		problems = append(problems, "max_history_days must be positive")
	}
	if c.EntityBatchSize <= 0 {
		problems = append(problems, "entity_batch_size must be positive")
	}
	if c.EntityBatchPause < 0 {
		problems = append(problems, "entity_batch_pause must not be negative")
	}
	if c.StoragePrefix == "" {
		problems = append(problems, "storage_prefix must not be empty")
	}
	if _, err := utils.PartitionLayout(c.DatePartitionFormat); err != nil {
		problems = append(problems, err.Error())
	}

	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			problems = append(problems, "S3_BUCKET_NAME is required for the s3 storage backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			problems = append(problems, "GCS_BUCKET_NAME is required for the gcs storage backend")
		}
	case "fs":
		if c.LocalStoragePath == "" {
			problems = append(problems, "LOCAL_STORAGE_PATH is required for the fs storage backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported storage backend: %s", c.StorageBackend))
	}

	switch c.StateBackend {
	case "file", "badger":
	case "mongo":
		if c.MongoConnString == "" {
			problems = append(problems, "MONGO_CONNECTION_STRING is required for the mongo state backend")
		}
	case "sqlserver":
		if c.SQLConnString == "" {
			problems = append(problems, "SQL_CONNECTION_STRING is required for the sqlserver state backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported state backend: %s", c.StateBackend))
	}

	if len(problems) > 0 {
		return apperrors.Newf(apperrors.ErrConfig, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireSource reports missing source API credentials.
func (c *Config) RequireSource() error {
	var missing []string
	if c.SpotifyClientID == "" {
		missing = append(missing, "SPOTIFY_CLIENT_ID")
	}
	if c.SpotifyClientSecret == "" {
		missing = append(missing, "SPOTIFY_CLIENT_SECRET")
	}
	if c.SpotifyRefreshToken == "" {
		missing = append(missing, "SPOTIFY_REFRESH_TOKEN")
	}
	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ErrConfig, "environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RetryPolicy is the policy every I/O call site uses.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxRetries
	if c.RetryBaseDelay > 0 {
		p.BaseDelay = c.RetryBaseDelay
	}
	if c.RetryMaxDelay > 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	return p
}

// EntitySubBatchSize bounds enrichment requests by the source's batch limit.
func (c *Config) EntitySubBatchSize() int {
	if c.EntityBatchSize > MaxPageSize {
		return MaxPageSize
	}
	return c.EntityBatchSize
}
