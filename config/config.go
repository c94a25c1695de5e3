package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/TommyLike/mailman/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Syslog tag (default: "mailman")
}

// DatabaseEndpointConfig holds configuration for the PostgreSQL endpoint
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"` // Database port (default: 5432)
	User            string   `toml:"user" env:"MAILMAN_DB_USER"`
	Password        string   `toml:"password" env:"MAILMAN_DB_PASSWORD"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int      `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string   `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string   `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// DatabaseConfig selects and configures the list store.
type DatabaseConfig struct {
	Driver           string                 `toml:"driver" env:"MAILMAN_DB_DRIVER"` // "postgres" or "sqlite" (default: "sqlite")
	LogQueries       bool                   `toml:"log_queries"`                    // Enable SQL query logging
	QueryTimeout     string                 `toml:"query_timeout"`                  // Default timeout for database queries (default: "30s")
	LockTimeout      string                 `toml:"lock_timeout"`                   // How long to wait for a list lock (default: "30s")
	MigrationTimeout string                 `toml:"migration_timeout"`              // Timeout for auto-migrations at startup (default: "2m")
	Write            DatabaseEndpointConfig `toml:"write"`
	SQLitePath       string                 `toml:"sqlite_path" env:"MAILMAN_SQLITE_PATH"` // Path of the SQLite database file
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetPort returns the configured port or the PostgreSQL default.
func (e *DatabaseEndpointConfig) GetPort() int {
	if e.Port <= 0 {
		return 5432
	}
	return e.Port
}

// IsPostgres reports whether the PostgreSQL store is selected.
func (d *DatabaseConfig) IsPostgres() bool {
	return strings.EqualFold(d.Driver, "postgres") || strings.EqualFold(d.Driver, "postgresql")
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetLockTimeout parses how long a unit of work may wait for a list lock.
func (d *DatabaseConfig) GetLockTimeout() (time.Duration, error) {
	if d.LockTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.LockTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds the digest archive configuration. Archiving is disabled
// when Endpoint is empty.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key" env:"MAILMAN_S3_ACCESS_KEY"`
	SecretKey     string `toml:"secret_key" env:"MAILMAN_S3_SECRET_KEY"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key" env:"MAILMAN_S3_ENCRYPTION_KEY"`
}

// IsConfigured reports whether digest archiving is enabled.
func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// LMTPConfig holds the inbound LMTP listener configuration.
type LMTPConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	Hostname        string   `toml:"hostname"`
	MaxMessageSize  string   `toml:"max_message_size"` // e.g. "25mb" (default)
	MaxRecipients   int      `toml:"max_recipients"`
	ReadTimeout     string   `toml:"read_timeout"`
	WriteTimeout    string   `toml:"write_timeout"`
	TrustedNetworks []string `toml:"trusted_networks"` // CIDRs allowed to connect; empty allows all
}

// GetMaxMessageSize parses the maximum accepted message size.
func (c *LMTPConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// GetReadTimeout parses the connection read timeout.
func (c *LMTPConfig) GetReadTimeout() (time.Duration, error) {
	if c.ReadTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.ReadTimeout)
}

// GetWriteTimeout parses the connection write timeout.
func (c *LMTPConfig) GetWriteTimeout() (time.Duration, error) {
	if c.WriteTimeout == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.WriteTimeout)
}

// AdminAPIConfig holds the administrative REST API configuration.
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key" env:"MAILMAN_ADMIN_API_KEY"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	MetricsPath  string   `toml:"metrics_path"` // Prometheus endpoint path (default: "/metrics", "-" disables)
}

// GetMetricsPath returns where metrics are served, or "" when disabled.
func (c *AdminAPIConfig) GetMetricsPath() string {
	switch c.MetricsPath {
	case "":
		return "/metrics"
	case "-":
		return ""
	default:
		return c.MetricsPath
	}
}

// RelayConfig defines the outbound SMTP relay used for replies,
// confirmation requests and digests.
type RelayConfig struct {
	SMTPHost        string `toml:"smtp_host"`          // SMTP server address (e.g., "smtp.example.com:587"); empty disables delivery
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)
	SMTPUsername    string `toml:"smtp_username" env:"MAILMAN_RELAY_USERNAME"`
	SMTPPassword    string `toml:"smtp_password" env:"MAILMAN_RELAY_PASSWORD"`

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.SMTPHost != ""
}

// GetCircuitBreakerTimeout parses the circuit breaker timeout
func (r *RelayConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if r.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.CircuitBreakerTimeout)
}

// RelayQueueConfig holds the disk-based outbound queue configuration.
type RelayQueueConfig struct {
	Path            string   `toml:"path"`             // Base path for queue storage (e.g., "/var/spool/mailman/out")
	WorkerInterval  string   `toml:"worker_interval"`  // How often worker processes queue (e.g., "1m")
	BatchSize       int      `toml:"batch_size"`       // Number of messages to process per worker cycle
	Concurrency     int      `toml:"concurrency"`      // Number of concurrent messages to process (default: 5)
	MaxAttempts     int      `toml:"max_attempts"`     // Maximum delivery attempts before moving to failed
	RetryBackoff    []string `toml:"retry_backoff"`    // Backoff durations between retries (e.g., ["1m", "5m", "1h"])
	FailedRetention string   `toml:"failed_retention"` // How long failed messages are kept (e.g., "168h"); empty keeps them forever
}

// GetFailedRetention parses the failed message retention. Zero disables cleanup.
func (c *RelayQueueConfig) GetFailedRetention() (time.Duration, error) {
	if c.FailedRetention == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.FailedRetention)
}

// GetWorkerInterval parses the worker interval duration
func (c *RelayQueueConfig) GetWorkerInterval() (time.Duration, error) {
	if c.WorkerInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.WorkerInterval)
}

// GetRetryBackoff parses the retry backoff durations
func (c *RelayQueueConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(c.RetryBackoff) == 0 {
		return nil, nil // NewDiskQueue applies its defaults
	}
	durations := make([]time.Duration, 0, len(c.RetryBackoff))
	for _, s := range c.RetryBackoff {
		d, err := helpers.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid retry backoff duration %q: %w", s, err)
		}
		durations = append(durations, d)
	}
	return durations, nil
}

// DigestConfig holds the digest scheduler configuration.
type DigestConfig struct {
	ScheduleInterval string `toml:"schedule_interval"` // How often periodic digests are checked (default: "1h")
	ArchiveTimeout   string `toml:"archive_timeout"`   // Timeout for a single S3 archive upload (default: "30s")
}

// GetScheduleInterval parses the digest scheduler interval.
func (c *DigestConfig) GetScheduleInterval() (time.Duration, error) {
	if c.ScheduleInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.ScheduleInterval)
}

// GetArchiveTimeout parses the archive upload timeout.
func (c *DigestConfig) GetArchiveTimeout() (time.Duration, error) {
	if c.ArchiveTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.ArchiveTimeout)
}

// PendingConfig controls expiry of unconfirmed subscription requests.
type PendingConfig struct {
	TTL           string `toml:"ttl"`            // Age after which pending requests are purged; empty never expires
	PurgeInterval string `toml:"purge_interval"` // How often the cleaner runs (default: "1h")
}

// GetTTL parses the pending request TTL. Zero means requests never expire.
func (c *PendingConfig) GetTTL() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.TTL)
}

// GetPurgeInterval parses the cleaner interval.
func (c *PendingConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// SiteConfig holds installation-wide mail settings.
type SiteConfig struct {
	Hostname       string `toml:"hostname"`        // Default list host
	SiteOwner      string `toml:"site_owner"`      // Fallback address for unexpected error reports
	WebURL         string `toml:"web_url"`         // Base URL printed in info/help replies
	MaxCommands    int    `toml:"max_commands"`    // Maximum command lines per message (default: 25)
	PasswordCost   int    `toml:"password_cost"`   // bcrypt cost (default: bcrypt.DefaultCost)
	TemplateDir    string `toml:"template_dir"`    // Optional directory overriding the built-in templates
	MailmanVersion string `toml:"mailman_version"` // Version string shown in help replies
}

// GetMaxCommands returns the per-message command line limit.
func (c *SiteConfig) GetMaxCommands() int {
	if c.MaxCommands <= 0 {
		return 25
	}
	return c.MaxCommands
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LMTP       LMTPConfig       `toml:"lmtp"`
	AdminAPI   AdminAPIConfig   `toml:"admin_api"`
	Relay      RelayConfig      `toml:"relay"`
	RelayQueue RelayQueueConfig `toml:"relay_queue"`
	Digest     DigestConfig     `toml:"digest"`
	Pending    PendingConfig    `toml:"pending"`
	Site       SiteConfig       `toml:"site"`
}

// NewDefaultConfig creates a Config struct with a runnable single-node
// setup: SQLite store, LMTP on localhost, no relay, no S3.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "/var/lib/mailman/mailman.db",
			Write: DatabaseEndpointConfig{
				Hosts: []string{"localhost"},
				Port:  5432,
				User:  "mailman",
				Name:  "mailman",
			},
		},
		LMTP: LMTPConfig{
			Start: true,
			Addr:  "127.0.0.1:24",
		},
		AdminAPI: AdminAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8001",
		},
		RelayQueue: RelayQueueConfig{
			Path:           "/var/spool/mailman/out",
			WorkerInterval: "1m",
			BatchSize:      100,
			Concurrency:    5,
			MaxAttempts:    10,
		},
		Digest: DigestConfig{
			ScheduleInterval: "1h",
		},
		Site: SiteConfig{
			Hostname:    "localhost",
			MaxCommands: 25,
		},
	}
}

// LoadConfigFromFile reads a TOML file into cfg, then applies MAILMAN_*
// environment overrides.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return err
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return cfg.Validate()
}

// ApplyEnvOverrides overlays secrets and endpoints from the environment.
// Variables that are not set leave the current value untouched.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ValidationError names the setting that failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
		if c.Database.SQLitePath == "" {
			return invalid("database.sqlite_path", "required for the sqlite driver")
		}
	case "postgres", "postgresql":
		if len(c.Database.Write.Hosts) == 0 {
			return invalid("database.write.hosts", "required for the postgres driver")
		}
	default:
		return invalid("database.driver", "unknown database driver %q", c.Database.Driver)
	}

	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		return invalid("admin_api.api_key", "required when the admin API is started")
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return invalid("s3.encryption_key", "must be 64 hex characters when encryption is enabled")
	}
	if _, err := c.Pending.GetTTL(); err != nil {
		return &ValidationError{Field: "pending.ttl", Err: err}
	}
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
