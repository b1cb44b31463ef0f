// Package config provides configuration management for tracery.
package config

import (
	"strconv"
	"time"
)

// Config is the root configuration structure for tracery.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Functions   FunctionsConfig   `mapstructure:"functions"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Docs        DocsConfig        `mapstructure:"docs"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// Source is the file the configuration was read from, empty when
	// only defaults and the environment applied.
	Source string `mapstructure:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Base URL sandboxed functions use for authenticated callbacks.
	// Empty means http://host:port.
	PublicURL string `mapstructure:"public_url"`

	// Request timeouts
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// Enable CORS
	CORS CORSConfig `mapstructure:"cors"`

	// Per-client limit on public webhook requests. Zero max disables it.
	WebhookRateLimit RateLimitRule `mapstructure:"webhook_rate_limit"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enable CORS
	Enabled bool `mapstructure:"enabled"`

	// Allowed origins (use ["*"] for all)
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Allowed methods
	Methods []string `mapstructure:"allowed_methods"`

	// Allowed headers
	Headers []string `mapstructure:"allowed_headers"`

	// Exposed headers
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// Allow credentials
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// Preflight cache duration
	MaxAge time.Duration `mapstructure:"max_age"`
}

// RateLimitRule defines a rate limit rule.
type RateLimitRule struct {
	// Maximum requests
	Max int `mapstructure:"max"`

	// Time window
	Window time.Duration `mapstructure:"window"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Busy timeout
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Enable foreign keys
	ForeignKeys bool `mapstructure:"foreign_keys"`

	// Maximum open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Maximum idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// Connection max lifetime
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RuntimeConfig controls the isolated runtime that executes functions.
type RuntimeConfig struct {
	// Runner mode: inprocess, subprocess or container
	Mode string `mapstructure:"mode"`

	// Default wall-clock timeout per execution phase
	Timeout time.Duration `mapstructure:"timeout"`

	// Upper bound for per-function timeout overrides
	MaxTimeout time.Duration `mapstructure:"max_timeout"`

	// Default memory ceiling in MB
	MemoryMB int `mapstructure:"memory_mb"`

	// Maximum concurrently running executions
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// How long a pending execution waits for a slot
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// Path of the tracery binary used for `tracery worker`. Empty means
	// the running executable.
	WorkerPath string `mapstructure:"worker_path"`

	// Standard library packages user code may import
	AllowedPackages []string `mapstructure:"allowed_packages"`

	// Container runner settings
	Container ContainerConfig `mapstructure:"container"`
}

// ContainerConfig holds settings for the container runner.
type ContainerConfig struct {
	// Container runtime binary (docker or podman)
	Runtime string `mapstructure:"runtime"`

	// Image that contains the tracery binary
	Image string `mapstructure:"image"`

	// CPU limit (cores)
	CPUs float64 `mapstructure:"cpus"`

	// Network the worker container joins. "none" disables fxrt.Callback.
	Network string `mapstructure:"network"`
}

// CredentialsConfig controls execution context credentials.
type CredentialsConfig struct {
	// HMAC secret for signing credentials
	Secret string `mapstructure:"secret"`

	// Credential lifetime
	TTL time.Duration `mapstructure:"ttl"`

	// Issuer claim
	Issuer string `mapstructure:"issuer"`
}

// StreamConfig controls the execution event stream.
type StreamConfig struct {
	// How long persisted events are kept before archival and deletion
	Retention time.Duration `mapstructure:"retention"`

	// How often the retention loop runs
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// How long a closed live stream stays in memory for late subscribers
	Linger time.Duration `mapstructure:"linger"`

	// Per-subscriber buffer size
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// ArchiveConfig controls where expired events are archived.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Backend type: filesystem or s3
	Backend string `mapstructure:"backend"`

	// Root directory for the filesystem backend
	Path string `mapstructure:"path"`

	// Compression: none, zstd or gzip
	Compression string `mapstructure:"compression"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible archive settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	// Prefix namespaces every key, so several deployments can share a bucket.
	Prefix string `mapstructure:"prefix"`
}

// SchedulerConfig controls the schedule trigger loop.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// How often due schedules are polled
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Run schedules missed while stopped once at startup instead of skipping them
	Catchup bool `mapstructure:"catchup"`
}

// FunctionsConfig controls syncing functions from a directory.
type FunctionsConfig struct {
	// Directory holding one subdirectory per function. Empty disables sync.
	Dir string `mapstructure:"dir"`

	// Watch the directory for changes
	Watch bool `mapstructure:"watch"`

	// Debounce window for file events
	Debounce time.Duration `mapstructure:"debounce"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DocsConfig controls the OpenAPI document and its browser UI.
type DocsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`

	// UI is one of scalar, swagger, redoc or stoplight
	UI string `mapstructure:"ui"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// AllowedMethods returns the configured methods or the defaults.
func (c CORSConfig) AllowedMethods() []string {
	if len(c.Methods) > 0 {
		return c.Methods
	}
	return []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
}

// AllowedHeaders returns the configured headers or the defaults.
func (c CORSConfig) AllowedHeaders() []string {
	if len(c.Headers) > 0 {
		return c.Headers
	}
	return []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-Correlation-ID"}
}

// CallbackURL returns the base URL functions use to call back into the platform.
func (s *ServerConfig) CallbackURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return "http://" + host + ":" + strconv.Itoa(s.Port)
}

// EffectiveTimeout clamps a per-function override to the configured bounds.
func (r *RuntimeConfig) EffectiveTimeout(override time.Duration) time.Duration {
	if override <= 0 {
		return r.Timeout
	}
	if r.MaxTimeout > 0 && override > r.MaxTimeout {
		return r.MaxTimeout
	}
	return override
}

// EffectiveMemory returns the memory ceiling for a function in MB.
func (r *RuntimeConfig) EffectiveMemory(override int) int {
	if override <= 0 {
		return r.MemoryMB
	}
	return override
}
