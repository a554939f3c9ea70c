package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/popd/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts. One is picked at random when the pool is
	// created; entries may carry an explicit port ("db1:5433").
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	LogQueries       bool                    `toml:"log_queries"`       // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for database queries (default: "30s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for auto-migrations at startup (default: "2m")
	AutoMigrate      bool                    `toml:"auto_migrate"`      // Apply pending migrations on startup
	Write            *DatabaseEndpointConfig `toml:"write"`             // Write database configuration
	Read             *DatabaseEndpointConfig `toml:"read"`              // Read database configuration (optional, defaults to write)
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

// GetPort returns the configured port as a string, accepting both TOML
// strings and integers.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	switch v := e.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if v == "" {
			return "5432", nil
		}
		if _, err := strconv.Atoi(v); err != nil {
			return "", fmt.Errorf("invalid port value '%s': %w", v, err)
		}
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64: // TOML decodes integers as int64
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("invalid type for port: %T", v)
	}
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 32 bytes, hex encoded
}

// LocalCacheConfig holds local disk cache configuration.
type LocalCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	Path          string `toml:"path"`
	PurgeInterval string `toml:"purge_interval"`
}

// GetCapacity parses the cache capacity size
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return helpers.ParseSize("1gb")
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the max object size
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return helpers.ParseSize("5mb")
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses the purge interval duration
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 12 * time.Hour, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// POP3ServerConfig holds POP3 server configuration.
type POP3ServerConfig struct {
	Start                bool   `toml:"start"`
	Addr                 string `toml:"addr"`     // Plaintext listener, STLS upgradable
	SSLAddr              string `toml:"ssl_addr"` // TLS-native listener (pop3s)
	Hostname             string `toml:"hostname"`
	MaxConnections       int    `toml:"max_connections"` // Maximum concurrent connections per listener
	TLSCertFile          string `toml:"tls_cert_file"`
	TLSKeyFile           string `toml:"tls_key_file"`
	AllowCleartextLogins bool   `toml:"allow_cleartext_logins"` // Permit USER/PASS and AUTH PLAIN without TLS
	SASLGSSAPIEnabled    bool   `toml:"sasl_gssapi_enabled"`
	Banner               string `toml:"banner"`
	Goodbye              string `toml:"goodbye"`
	Implementation       string `toml:"implementation"`
	CommandTimeout       string `toml:"command_timeout"` // Maximum idle time before disconnection (default: 10m)
	MaxLineLength        int    `toml:"max_line_length"`
}

// GetCommandTimeout parses the command timeout duration for POP3
func (c *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(c.CommandTimeout)
}

// TLSConfigured reports whether a certificate and key are configured.
func (c *POP3ServerConfig) TLSConfigured() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
}

// ServersConfig holds configuration for all servers.
type ServersConfig struct {
	POP3    POP3ServerConfig `toml:"pop3"`
	Metrics MetricsConfig    `toml:"metrics"`
	HTTPAPI HTTPAPIConfig    `toml:"http_api"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog"
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	Servers    ServersConfig    `toml:"servers"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			AutoMigrate:      true,
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "popd",
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		S3: S3Config{
			Endpoint: "localhost:9000",
			Bucket:   "popd",
		},
		LocalCache: LocalCacheConfig{
			Enabled:       true,
			Capacity:      "1gb",
			MaxObjectSize: "5mb",
			Path:          "/tmp/popd/cache",
			PurgeInterval: "12h",
		},
		Servers: ServersConfig{
			POP3: POP3ServerConfig{
				Start:          true,
				Addr:           ":110",
				MaxConnections: 1000,
				Banner:         "POP3 server ready",
				Goodbye:        "goodbye",
				Implementation: "popd",
				CommandTimeout: "10m",
				MaxLineLength:  8192,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			HTTPAPI: HTTPAPIConfig{
				Start: false,
				Addr:  ":8080",
			},
		},
	}
}

// Validate checks the configuration for settings that would prevent the
// servers from starting.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database.write configuration is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must contain at least one host")
	}
	if _, err := c.Database.Write.GetPort(); err != nil {
		return fmt.Errorf("database.write: %w", err)
	}
	if c.Database.Read != nil {
		if len(c.Database.Read.Hosts) == 0 {
			return fmt.Errorf("database.read.hosts must contain at least one host")
		}
		if _, err := c.Database.Read.GetPort(); err != nil {
			return fmt.Errorf("database.read: %w", err)
		}
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("invalid database.query_timeout: %w", err)
	}

	pop3 := &c.Servers.POP3
	if pop3.Start {
		if pop3.Addr == "" && pop3.SSLAddr == "" {
			return fmt.Errorf("servers.pop3 requires addr or ssl_addr")
		}
		if pop3.SSLAddr != "" && !pop3.TLSConfigured() {
			return fmt.Errorf("servers.pop3.ssl_addr requires tls_cert_file and tls_key_file")
		}
		if (pop3.TLSCertFile == "") != (pop3.TLSKeyFile == "") {
			return fmt.Errorf("servers.pop3: tls_cert_file and tls_key_file must be set together")
		}
		if _, err := pop3.GetCommandTimeout(); err != nil {
			return fmt.Errorf("invalid servers.pop3.command_timeout: %w", err)
		}
		if pop3.MaxLineLength < 0 {
			return fmt.Errorf("servers.pop3.max_line_length must not be negative")
		}
	}

	if c.S3.Endpoint == "" || c.S3.Bucket == "" {
		return fmt.Errorf("s3.endpoint and s3.bucket are required")
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return fmt.Errorf("s3.encryption_key must be 64 hex characters when encryption is enabled")
	}

	if c.LocalCache.Enabled {
		if c.LocalCache.Path == "" {
			return fmt.Errorf("local_cache.path is required when the cache is enabled")
		}
		capacity, err := c.LocalCache.GetCapacity()
		if err != nil {
			return fmt.Errorf("invalid local_cache.capacity: %w", err)
		}
		maxObject, err := c.LocalCache.GetMaxObjectSize()
		if err != nil {
			return fmt.Errorf("invalid local_cache.max_object_size: %w", err)
		}
		if maxObject > capacity {
			return fmt.Errorf("local_cache.max_object_size (%d) exceeds capacity (%d)", maxObject, capacity)
		}
		if _, err := c.LocalCache.GetPurgeInterval(); err != nil {
			return fmt.Errorf("invalid local_cache.purge_interval: %w", err)
		}
	}

	if c.Servers.HTTPAPI.Start && c.Servers.HTTPAPI.Addr == "" {
		return fmt.Errorf("servers.http_api.addr is required when the HTTP API is started")
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath over cfg. Keys the
// file does not set keep the values already present in cfg, so callers
// usually start from NewDefaultConfig.
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
	return nil
}

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

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Check that strings are quoted, brackets are balanced and section headers use [section] format", err)
	}

	return err
}
