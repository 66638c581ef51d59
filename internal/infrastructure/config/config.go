package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Quota       QuotaConfig
	Idempotency IdempotencyConfig
	Dispatcher  DispatcherConfig
	Telemetry   TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// QuotaConfig holds quota policy settings
type QuotaConfig struct {
	WarnThreshold float64          // fraction of the limit that triggers a warning
	CreditWeights map[string]int64 // model name -> credits per prompt
}

// IdempotencyConfig holds idempotency record retention settings
type IdempotencyConfig struct {
	TTL            time.Duration // record lifetime before replay stops
	SweepInterval  time.Duration // how often the sweeper runs
	SweepBatchSize int           // max rows deleted per sweep pass
	MarkerTTL      time.Duration // TTL on the fast-path dedup markers
}

// DispatcherConfig holds job dispatcher and worker settings
type DispatcherConfig struct {
	Queues            []string                 // queues this worker consumes
	PollInterval      time.Duration            // idle delay between claim attempts
	BatchSize         int                      // max jobs claimed per poll
	Concurrency       int                      // handler goroutines per worker
	MaxRetries        int                      // failed attempts before dead-letter
	DefaultJobTimeout time.Duration            // per-job deadline unless overridden
	QueueTimeouts     map[string]time.Duration // per-queue deadline overrides
	VisibilityTimeout time.Duration            // RUNNING longer than this means a crashed worker
	RequeueInterval   time.Duration            // how often stale RUNNING jobs are reclaimed
	DLQPollInterval   time.Duration            // how often the dead-letter consumer runs
	ShutdownGrace     time.Duration            // max wait for in-flight jobs on stop
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with PROMPTER_ prefix (e.g., PROMPTER_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("PROMPTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Quota: QuotaConfig{
			WarnThreshold: v.GetFloat64("quota.warn_threshold"),
			CreditWeights: toInt64Map(v.GetStringMapString("quota.credit_weights")),
		},
		Idempotency: IdempotencyConfig{
			TTL:            v.GetDuration("idempotency.ttl"),
			SweepInterval:  v.GetDuration("idempotency.sweep_interval"),
			SweepBatchSize: v.GetInt("idempotency.sweep_batch_size"),
			MarkerTTL:      v.GetDuration("idempotency.marker_ttl"),
		},
		Dispatcher: DispatcherConfig{
			Queues:            v.GetStringSlice("dispatcher.queues"),
			PollInterval:      v.GetDuration("dispatcher.poll_interval"),
			BatchSize:         v.GetInt("dispatcher.batch_size"),
			Concurrency:       v.GetInt("dispatcher.concurrency"),
			MaxRetries:        v.GetInt("dispatcher.max_retries"),
			DefaultJobTimeout: v.GetDuration("dispatcher.default_job_timeout"),
			QueueTimeouts:     toDurationMap(v.GetStringMapString("dispatcher.queue_timeouts")),
			VisibilityTimeout: v.GetDuration("dispatcher.visibility_timeout"),
			RequeueInterval:   v.GetDuration("dispatcher.requeue_interval"),
			DLQPollInterval:   v.GetDuration("dispatcher.dlq_poll_interval"),
			ShutdownGrace:     v.GetDuration("dispatcher.shutdown_grace"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "prompter-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "prompter"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	// NOTE: CORS origins are intentionally not given a default fallback to "*".
	// An empty list means no cross-origin requests are allowed until explicitly configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "Idempotency-Key"}
	}
	if cfg.Quota.WarnThreshold == 0 {
		cfg.Quota.WarnThreshold = 0.80
	}
	if len(cfg.Quota.CreditWeights) == 0 {
		cfg.Quota.CreditWeights = map[string]int64{
			"gpt-4o-mini": 1,
			"gpt-4o":      5,
			"o1":          15,
		}
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	if cfg.Idempotency.SweepInterval == 0 {
		cfg.Idempotency.SweepInterval = time.Hour
	}
	if cfg.Idempotency.SweepBatchSize == 0 {
		cfg.Idempotency.SweepBatchSize = 1000
	}
	if cfg.Idempotency.MarkerTTL == 0 {
		cfg.Idempotency.MarkerTTL = 24 * time.Hour
	}
	if len(cfg.Dispatcher.Queues) == 0 {
		cfg.Dispatcher.Queues = []string{"default", "scans", "pages"}
	}
	if cfg.Dispatcher.PollInterval == 0 {
		cfg.Dispatcher.PollInterval = time.Second
	}
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 10
	}
	if cfg.Dispatcher.Concurrency == 0 {
		cfg.Dispatcher.Concurrency = 4
	}
	if cfg.Dispatcher.MaxRetries == 0 {
		cfg.Dispatcher.MaxRetries = 3
	}
	if cfg.Dispatcher.DefaultJobTimeout == 0 {
		cfg.Dispatcher.DefaultJobTimeout = 5 * time.Minute
	}
	if len(cfg.Dispatcher.QueueTimeouts) == 0 {
		cfg.Dispatcher.QueueTimeouts = map[string]time.Duration{
			"scans": 30 * time.Minute,
			"pages": 10 * time.Minute,
		}
	}
	if cfg.Dispatcher.VisibilityTimeout == 0 {
		cfg.Dispatcher.VisibilityTimeout = time.Hour
	}
	if cfg.Dispatcher.RequeueInterval == 0 {
		cfg.Dispatcher.RequeueInterval = time.Minute
	}
	if cfg.Dispatcher.DLQPollInterval == 0 {
		cfg.Dispatcher.DLQPollInterval = 30 * time.Second
	}
	if cfg.Dispatcher.ShutdownGrace == 0 {
		cfg.Dispatcher.ShutdownGrace = 30 * time.Second
	}

	// Telemetry defaults
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0 // 100% in development
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "prompter-backend"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	// Note: DBLogFullSQL defaults to false for security (disable in production)
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Quota.WarnThreshold < 0.0 || c.Quota.WarnThreshold > 1.0 {
		return fmt.Errorf("quota.warn_threshold must be between 0.0 and 1.0, got %f", c.Quota.WarnThreshold)
	}
	for model, weight := range c.Quota.CreditWeights {
		if weight <= 0 {
			return fmt.Errorf("quota.credit_weights[%s] must be positive, got %d", model, weight)
		}
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Idempotency.SweepBatchSize <= 0 {
		return fmt.Errorf("idempotency.sweep_batch_size must be positive")
	}

	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries cannot be negative")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher.concurrency must be positive")
	}
	if c.Dispatcher.VisibilityTimeout <= c.Dispatcher.DefaultJobTimeout {
		return fmt.Errorf("dispatcher.visibility_timeout (%s) must exceed dispatcher.default_job_timeout (%s)",
			c.Dispatcher.VisibilityTimeout, c.Dispatcher.DefaultJobTimeout)
	}
	for queue, timeout := range c.Dispatcher.QueueTimeouts {
		if timeout <= 0 {
			return fmt.Errorf("dispatcher.queue_timeouts[%s] must be positive", queue)
		}
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		// CORS must not use wildcard with credentials
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		// Database tracing: full SQL logging is a security risk in production
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	// Validate telemetry configuration (all environments)
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// JobTimeout returns the deadline for jobs on the given queue
func (d *DispatcherConfig) JobTimeout(queue string) time.Duration {
	if t, ok := d.QueueTimeouts[queue]; ok {
		return t
	}
	return d.DefaultJobTimeout
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port address for the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// toInt64Map parses string map values as integers, skipping unparseable entries
func toInt64Map(in map[string]string) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			out[k] = n
		}
	}
	return out
}

// toDurationMap parses string map values as durations, skipping unparseable entries
func toDurationMap(in map[string]string) map[string]time.Duration {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
