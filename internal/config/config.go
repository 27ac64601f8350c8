package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/rename-milter/internal/filter"
	"github.com/foxzi/rename-milter/internal/headers"
	"github.com/foxzi/rename-milter/internal/ipfilter"
)

// LevelNotice sits between info and warn and maps to the syslog notice severity
const LevelNotice = slog.LevelInfo + 2

// logLevels accepts the slog names and their syslog spellings
var logLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"notice":  LevelNotice,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
	"err":     slog.LevelError,
}

// LogLevel resolves a configured level name (case-insensitive)
func LogLevel(name string) (slog.Level, bool) {
	level, ok := logLevels[strings.ToLower(name)]
	return level, ok
}

// DefaultSocket is where Postfix expects the milter inside its chroot
const DefaultSocket = "unix:/var/spool/postfix/milter/rename.sock"

// Config is the main configuration structure
type Config struct {
	Milter  MilterConfig  `yaml:"milter"`
	Rename  RenameConfig  `yaml:"rename"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
	Reload  ReloadConfig  `yaml:"reload"`

	// Compiled by Validate
	settings *headers.Settings `yaml:"-"`

	// Set by Load
	path string `yaml:"-"`
}

// MilterConfig contains the MTA facing listener settings
type MilterConfig struct {
	Socket     string        `yaml:"socket"`      // unix:/path, inet:port@host, inet6:port@host, tcp:host:port
	Umask      string        `yaml:"umask"`       // octal, applied when creating a unix socket
	Timeout    time.Duration `yaml:"timeout"`     // read/write timeout per milter packet
	AllowedIPs []string      `yaml:"allowed_ips"` // inet sockets only, empty = allow all
}

// RenameConfig describes which headers get relocated
type RenameConfig struct {
	Marker        string             `yaml:"marker"`         // header that marks the current hop
	Prefix        string             `yaml:"prefix"`         // prepended to relocated header names
	RequireMarker bool               `yaml:"require_marker"` // skip messages without a marker
	Rules         map[string]*string `yaml:"rules"`          // header name -> pattern, null matches everything
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`        // debug, info, notice, warn, error
	Format     string `yaml:"format"`       // text, json
	Output     string `yaml:"output"`       // stdout, stderr, syslog or a file path
	Facility   string `yaml:"facility"`     // syslog facility
	MaxSizeMB  int    `yaml:"max_size_mb"`  // file rotation size
	MaxBackups int    `yaml:"max_backups"`  // rotated files to keep
	MaxAgeDays int    `yaml:"max_age_days"` // days to keep rotated files
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// StorageConfig contains the counters database settings
type StorageConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

// ReloadConfig controls how rule changes are picked up without a restart.
// SIGHUP always reloads; only the rename section takes effect.
type ReloadConfig struct {
	Watch    bool          `yaml:"watch"`    // reload when the config file changes
	Debounce time.Duration `yaml:"debounce"` // Default: 500ms
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Path returns the file the configuration was loaded from, empty for Parse
func (c *Config) Path() string {
	return c.path
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Milter.Socket == "" {
		c.Milter.Socket = DefaultSocket
	}
	if c.Milter.Umask == "" {
		c.Milter.Umask = "002"
	}
	if c.Milter.Timeout == 0 {
		c.Milter.Timeout = 600 * time.Second
	}

	if c.Rename.Marker == "" {
		c.Rename.Marker = headers.DefaultMarker
	}
	if c.Rename.Prefix == "" {
		c.Rename.Prefix = headers.DefaultPrefix
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Facility == "" {
		c.Logging.Facility = "mail"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Reload.Debounce == 0 {
		c.Reload.Debounce = 500 * time.Millisecond
	}
}

// Validate checks the configuration and compiles the relocation rules
func (c *Config) Validate() error {
	if _, err := filter.ParseSocket(c.Milter.Socket); err != nil {
		return fmt.Errorf("milter.socket: %w", err)
	}
	if _, err := filter.ParseUmask(c.Milter.Umask); err != nil {
		return fmt.Errorf("milter.umask: %w", err)
	}
	if c.Milter.Timeout < 0 {
		return fmt.Errorf("milter.timeout must not be negative")
	}
	if _, err := ipfilter.ParsePrefixes(c.Milter.AllowedIPs); err != nil {
		return fmt.Errorf("milter.allowed_ips: %w", err)
	}

	settings, err := headers.NewSettings(c.Rename.Marker, c.Rename.Prefix, c.Rename.RequireMarker, c.Rename.Rules)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	c.settings = settings

	if _, ok := LogLevel(c.Logging.Level); !ok {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, notice, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Logging.Output == "syslog" && !ValidFacility(c.Logging.Facility) {
		return fmt.Errorf("invalid logging.facility: %s", c.Logging.Facility)
	}

	// The collector runs even when the endpoint is disabled
	if c.Metrics.FlushInterval < time.Second {
		return fmt.Errorf("metrics.flush_interval must be at least 1s")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Path[0] != '/' {
			return fmt.Errorf("metrics.path must start with /")
		}
		if _, err := ipfilter.ParsePrefixes(c.Metrics.AllowedIPs); err != nil {
			return fmt.Errorf("metrics.allowed_ips: %w", err)
		}
	}

	if c.Reload.Debounce < 0 {
		return fmt.Errorf("reload.debounce must not be negative")
	}

	return nil
}

// Relocation returns the compiled relocation settings shared by all sessions
func (c *Config) Relocation() *headers.Settings {
	return c.settings
}

// UmaskValue returns the parsed socket umask
func (c *Config) UmaskValue() int {
	umask, _ := filter.ParseUmask(c.Milter.Umask)
	return umask
}

var facilities = map[string]bool{
	"kern": true, "user": true, "mail": true, "daemon": true, "auth": true,
	"syslog": true, "lpr": true, "news": true, "uucp": true, "cron": true,
	"authpriv": true, "ftp": true,
	"local0": true, "local1": true, "local2": true, "local3": true,
	"local4": true, "local5": true, "local6": true, "local7": true,
}

// ValidFacility reports whether name is a known syslog facility
func ValidFacility(name string) bool {
	return facilities[name]
}
