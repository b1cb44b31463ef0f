package config

import (
	"cmp"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors lists every problem found, in section order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - " + err.Error() + "\n")
	}
	return sb.String()
}

// checker collects failures so one run reports all of them.
type checker struct {
	errs ValidationErrors
}

// check records message for field unless ok holds.
func (c *checker) check(ok bool, field, format string, args ...any) {
	if !ok {
		c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

func (c *checker) oneOf(field, value string, allowed ...string) {
	c.check(slices.Contains(allowed, value), field, "must be one of: %s", strings.Join(allowed, ", "))
}

func (c *checker) minDuration(field string, d, floor time.Duration) {
	c.check(d >= floor, field, "must be at least %s", shortDuration(floor))
}

func (c *checker) nonNegative(field string, n float64) {
	c.check(n >= 0, field, "must be non-negative")
}

// shortDuration drops the zero units time.Duration.String keeps, so a
// minute reads as 1m rather than 1m0s.
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

func Validate(cfg *Config) error {
	c := &checker{}
	c.server(&cfg.Server)
	c.database(&cfg.Database)
	c.runtime(&cfg.Runtime)
	c.credentials(&cfg.Credentials)
	c.stream(&cfg.Stream)
	c.archive(&cfg.Archive)
	c.scheduler(&cfg.Scheduler)
	c.functions(&cfg.Functions)
	c.docs(&cfg.Docs)
	c.logging(&cfg.Logging)

	if len(c.errs) > 0 {
		return c.errs
	}
	return nil
}

func (c *checker) server(s *ServerConfig) {
	c.check(s.Port >= 1 && s.Port <= 65535, "server.port", "must be between 1 and 65535")
	c.nonNegative("server.read_timeout", float64(s.ReadTimeout))
	c.nonNegative("server.write_timeout", float64(s.WriteTimeout))
	c.nonNegative("server.max_body_size", float64(s.MaxBodySize))

	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		c.check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"server.public_url", "must be an absolute http:// or https:// URL")
	}

	rl := s.WebhookRateLimit
	c.check(rl.Max >= 0, "server.webhook_rate_limit.max", "must be non-negative")
	c.check(rl.Max == 0 || rl.Window > 0, "server.webhook_rate_limit.window", "must be positive when max is set")
}

func (c *checker) database(d *DatabaseConfig) {
	c.check(d.Path != "", "database.path", "is required")
	c.nonNegative("database.busy_timeout", float64(d.BusyTimeout))
	c.nonNegative("database.max_open_conns", float64(d.MaxOpenConns))
}

// deniedPackages may never be exposed to sandboxed code.
var deniedPackages = []string{
	"io/fs", "io/ioutil", "net", "net/http", "os", "os/exec", "os/signal",
	"plugin", "reflect", "runtime", "syscall", "unsafe",
}

func (c *checker) runtime(r *RuntimeConfig) {
	c.oneOf("runtime.mode", r.Mode, "inprocess", "subprocess", "container")
	c.minDuration("runtime.timeout", r.Timeout, time.Second)
	c.check(r.MaxTimeout == 0 || r.MaxTimeout >= r.Timeout, "runtime.max_timeout", "must not be less than runtime.timeout")
	c.check(r.MemoryMB >= 16, "runtime.memory_mb", "must be at least 16")
	c.check(r.MaxConcurrent >= 1, "runtime.max_concurrent", "must be at least 1")
	c.nonNegative("runtime.acquire_timeout", float64(r.AcquireTimeout))

	for _, pkg := range r.AllowedPackages {
		c.check(!slices.Contains(deniedPackages, pkg), "runtime.allowed_packages", "package %q cannot be exposed to functions", pkg)
	}

	if r.Mode == "container" {
		c.oneOf("runtime.container.runtime", r.Container.Runtime, "docker", "podman")
		c.check(r.Container.Image != "", "runtime.container.image", "is required")
		c.nonNegative("runtime.container.cpus", r.Container.CPUs)
	}
}

func (c *checker) credentials(cr *CredentialsConfig) {
	c.minDuration("credentials.ttl", cr.TTL, 10*time.Second)
	c.check(cr.Secret == "" || len(cr.Secret) >= 32, "credentials.secret", "must be at least 32 characters")
}

func (c *checker) stream(s *StreamConfig) {
	c.minDuration("stream.retention", s.Retention, time.Minute)
	c.minDuration("stream.cleanup_interval", s.CleanupInterval, time.Second)
	c.nonNegative("stream.linger", float64(s.Linger))
	c.check(s.SubscriberBuffer >= 1, "stream.subscriber_buffer", "must be at least 1")
}

func (c *checker) archive(a *ArchiveConfig) {
	if !a.Enabled {
		return
	}
	c.oneOf("archive.compression", cmp.Or(a.Compression, "none"), "none", "zstd", "gzip")
	c.oneOf("archive.backend", a.Backend, "filesystem", "s3")
	switch a.Backend {
	case "filesystem":
		c.check(a.Path != "", "archive.path", "is required for filesystem backend")
	case "s3":
		c.check(a.S3.Bucket != "", "archive.s3.bucket", "is required for s3 backend")
		c.check(a.S3.Region != "", "archive.s3.region", "is required for s3 backend")
		c.check((a.S3.AccessKeyID == "") == (a.S3.SecretAccessKey == ""),
			"archive.s3.secret_access_key", "must be set together with access_key_id")
	}
}

func (c *checker) scheduler(s *SchedulerConfig) {
	if s.Enabled {
		c.minDuration("scheduler.poll_interval", s.PollInterval, 100*time.Millisecond)
	}
}

func (c *checker) functions(f *FunctionsConfig) {
	c.nonNegative("functions.debounce", float64(f.Debounce))
}

func (c *checker) docs(d *DocsConfig) {
	c.oneOf("docs.ui", d.UI, "scalar", "swagger", "redoc", "stoplight")
}

func (c *checker) logging(l *LoggingConfig) {
	c.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	c.oneOf("logging.format", l.Format, "json", "console")
}
