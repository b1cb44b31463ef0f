package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8095
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 0 // sync invocations may run up to the runtime max timeout
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 10 * 1024 * 1024 // 10MB

	// Requests per client per minute on public webhook paths.
	DefaultWebhookRateMax = 120

	// Database defaults.
	DefaultDBPath       = "tracery.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Runtime defaults.
	DefaultRuntimeMode     = "subprocess"
	DefaultFunctionTimeout = 30 * time.Second
	DefaultMaxTimeout      = 15 * time.Minute
	DefaultMemoryLimit     = 256 // MB
	DefaultMaxConcurrent   = 10
	DefaultAcquireTimeout  = 30 * time.Second
	DefaultContainerImage  = "ghcr.io/watzon/tracery-worker:latest"
	DefaultCPULimit        = 1.0

	// Credential defaults.
	DefaultCredentialTTL    = 5 * time.Minute
	DefaultCredentialIssuer = "tracery"

	// Stream defaults.
	DefaultEventRetention   = 7 * 24 * time.Hour
	DefaultCleanupInterval  = time.Hour
	DefaultStreamLinger     = 5 * time.Minute
	DefaultSubscriberBuffer = 256

	// Scheduler defaults.
	DefaultSchedulerPoll = time.Second

	// Functions defaults.
	DefaultFunctionsDebounce = 300 * time.Millisecond

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// DefaultAllowedPackages is the standard library surface exposed to user code.
var DefaultAllowedPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				MaxAge:         12 * time.Hour,
			},
			WebhookRateLimit: RateLimitRule{
				Max:    DefaultWebhookRateMax,
				Window: time.Minute,
			},
		},
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			WALMode:      true,
			CacheSize:    DefaultCacheSize,
			BusyTimeout:  DefaultBusyTimeout,
			ForeignKeys:  true,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Runtime: RuntimeConfig{
			Mode:            DefaultRuntimeMode,
			Timeout:         DefaultFunctionTimeout,
			MaxTimeout:      DefaultMaxTimeout,
			MemoryMB:        DefaultMemoryLimit,
			MaxConcurrent:   DefaultMaxConcurrent,
			AcquireTimeout:  DefaultAcquireTimeout,
			AllowedPackages: append([]string(nil), DefaultAllowedPackages...),
			Container: ContainerConfig{
				Runtime: "docker",
				Image:   DefaultContainerImage,
				CPUs:    DefaultCPULimit,
				Network: "none",
			},
		},
		Credentials: CredentialsConfig{
			TTL:    DefaultCredentialTTL,
			Issuer: DefaultCredentialIssuer,
		},
		Stream: StreamConfig{
			Retention:        DefaultEventRetention,
			CleanupInterval:  DefaultCleanupInterval,
			Linger:           DefaultStreamLinger,
			SubscriberBuffer: DefaultSubscriberBuffer,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Backend:     "filesystem",
			Path:        "archive",
			Compression: "zstd",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: DefaultSchedulerPoll,
		},
		Functions: FunctionsConfig{
			Watch:    true,
			Debounce: DefaultFunctionsDebounce,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Docs: DocsConfig{
			Enabled:     true,
			Title:       "Tracery API",
			Description: "Function execution platform",
			UI:          "scalar",
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
