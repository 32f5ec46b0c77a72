package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Common struct {
		Debug    bool   `toml:"debug"`
		Hostname string `toml:"hostname"`
	} `toml:"common"`

	// Durable store configuration
	DB struct {
		Dir          string    `toml:"dir"`
		SyncInterval float64   `toml:"sync_interval"` // seconds
		Sync         [][]int64 `toml:"sync"`          // [min_elapsed_seconds, min_changes] pairs, evaluated in order
		BodyCacheTTL float64   `toml:"body_cache_ttl"`
	} `toml:"db"`

	// Body cache backend
	Cache struct {
		Type     string `toml:"type"` // "memory", "redis", "memcached", "none"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
	} `toml:"cache"`

	Sender struct {
		Workers       int     `toml:"workers"`
		IntervalEmpty float64 `toml:"interval_empty"`
		IntervalNext  float64 `toml:"interval_next"`
		StopPoll      float64 `toml:"stop_poll"`
		MaxPriority   int     `toml:"max_priority"`
		PauseOffset   int     `toml:"pause_offset"`
		AttachImages  bool    `toml:"attach_images"` // embed remote <img> sources as inline parts
		ImageTimeout  float64 `toml:"image_timeout"`
	} `toml:"sender"`

	Receiver struct {
		Listen    string `toml:"listen"`
		MaxLength int    `toml:"max_length"`
	} `toml:"receiver"`

	SMTP struct {
		Hostname string  `toml:"hostname"`
		Port     int     `toml:"port"`
		Username string  `toml:"username"`
		Password string  `toml:"password"`
		SSL      bool    `toml:"ssl"`
		Timeout  float64 `toml:"timeout"`
		DryRun   bool    `toml:"dry_run"`
	} `toml:"smtp"`

	Garbage struct {
		Enabled  bool  `toml:"enabled"`
		Interval int   `toml:"interval"` // seconds
		OldLast  int64 `toml:"old_last"` // seconds since the last send attempt
		OldTime  int64 `toml:"old_time"` // seconds since creation for never-sent messages
	} `toml:"garbage"`

	Logging struct {
		Type   string `toml:"type"` // "console", "file"
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text", "json"
		File   string `toml:"file"`
	} `toml:"logging"`

	Metrics struct {
		Enabled    bool   `toml:"enabled"`
		Listen     string `toml:"listen"`
		ValkeyAddr string `toml:"valkey_addr"`
	} `toml:"metrics"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Common.Hostname = "localhost"

	cfg.DB.Dir = "./dbs"
	cfg.DB.SyncInterval = 60
	cfg.DB.Sync = [][]int64{{900, 1}, {300, 10}, {60, 10000}}
	cfg.DB.BodyCacheTTL = 30

	cfg.Cache.Type = "memory"

	cfg.Sender.Workers = 1
	cfg.Sender.IntervalEmpty = 2.0
	cfg.Sender.IntervalNext = 0.5
	cfg.Sender.StopPoll = 1.0
	cfg.Sender.MaxPriority = 1000
	cfg.Sender.PauseOffset = 1000000
	cfg.Sender.AttachImages = true
	cfg.Sender.ImageTimeout = 10

	cfg.Receiver.Listen = ":6132"
	cfg.Receiver.MaxLength = 999999

	cfg.SMTP.Hostname = "localhost"
	cfg.SMTP.Port = 25
	cfg.SMTP.Timeout = 10

	cfg.Garbage.Enabled = true
	cfg.Garbage.Interval = 3600
	cfg.Garbage.OldLast = 86400
	cfg.Garbage.OldTime = 7 * 86400

	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Metrics.Listen = ":9132"

	return cfg
}

// Seconds converts a fractional seconds setting into a duration
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./maildispatch.conf",
		"./config/maildispatch.conf",
		os.ExpandEnv("$HOME/.maildispatch.conf"),
		"/etc/maildispatch/maildispatch.conf",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, falling back to defaults
// when none is found. Environment overrides are applied afterwards.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		configFile = ""
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}

		// Relative db dir is resolved against the config file
		if cfg.DB.Dir != "" && !filepath.IsAbs(cfg.DB.Dir) {
			cfg.DB.Dir = filepath.Join(filepath.Dir(configFile), cfg.DB.Dir)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	result := cfg.Validate()
	if !result.Valid {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}

	return cfg, nil
}

// SaveConfig writes the configuration as TOML
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := []byte("# maildispatch configuration\n\n")
	if err := os.WriteFile(configPath, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	return DefaultConfig().SaveConfig(configPath)
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateDB(result)
	c.validateCache(result)
	c.validateSender(result)
	c.validateReceiver(result)
	c.validateSMTP(result)
	c.validateGarbage(result)
	c.validateLogging(result)
	c.validateMetrics(result)

	return result
}

func (c *Config) validateDB(result *ValidationResult) {
	if c.DB.Dir == "" {
		result.AddError("db.dir", c.DB.Dir, "db directory is required")
	}
	if c.DB.SyncInterval <= 0 {
		result.AddError("db.sync_interval", c.DB.SyncInterval, "must be positive")
	}
	if len(c.DB.Sync) == 0 {
		result.AddWarning("db.sync", c.DB.Sync, "no sync thresholds, snapshots are only written on shutdown")
	}
	for i, pair := range c.DB.Sync {
		if len(pair) != 2 || pair[0] < 0 || pair[1] < 0 {
			result.AddError(fmt.Sprintf("db.sync[%d]", i), pair, "must be a pair of non-negative [seconds, changes]")
		}
	}
	if c.DB.BodyCacheTTL < 0 {
		result.AddError("db.body_cache_ttl", c.DB.BodyCacheTTL, "must not be negative")
	}
}

func (c *Config) validateCache(result *ValidationResult) {
	validTypes := []string{"memory", "redis", "memcached", "none", ""}
	if !contains(validTypes, c.Cache.Type) {
		result.AddError("cache.type", c.Cache.Type, "invalid cache type, must be one of: memory, redis, memcached, none")
		return
	}
	if (c.Cache.Type == "redis" || c.Cache.Type == "memcached") && c.Cache.Host == "" {
		result.AddWarning("cache.host", c.Cache.Host, "cache host not set, using localhost")
	}
}

func (c *Config) validateSender(result *ValidationResult) {
	if c.Sender.Workers < 1 || c.Sender.Workers > 1000 {
		result.AddError("sender.workers", c.Sender.Workers, "must be between 1 and 1000")
	} else if c.Sender.Workers > 100 {
		result.AddWarning("sender.workers", c.Sender.Workers, "high number of workers may exhaust SMTP connections")
	}
	if c.Sender.IntervalEmpty <= 0 {
		result.AddError("sender.interval_empty", c.Sender.IntervalEmpty, "must be positive")
	}
	if c.Sender.IntervalNext < 0 {
		result.AddError("sender.interval_next", c.Sender.IntervalNext, "must not be negative")
	}
	if c.Sender.StopPoll <= 0 {
		result.AddError("sender.stop_poll", c.Sender.StopPoll, "must be positive")
	}
	if c.Sender.MaxPriority < 1 {
		result.AddError("sender.max_priority", c.Sender.MaxPriority, "must be at least 1")
	}
	if c.Sender.PauseOffset <= c.Sender.MaxPriority {
		result.AddError("sender.pause_offset", c.Sender.PauseOffset, "must be greater than sender.max_priority")
	}
	if c.Sender.AttachImages && c.Sender.ImageTimeout <= 0 {
		result.AddError("sender.image_timeout", c.Sender.ImageTimeout, "must be positive when sender.attach_images is set")
	}
}

func (c *Config) validateReceiver(result *ValidationResult) {
	if !isValidListenAddress(c.Receiver.Listen) {
		result.AddError("receiver.listen", c.Receiver.Listen, "invalid listen address")
	}
	if c.Receiver.MaxLength < 1 {
		result.AddError("receiver.max_length", c.Receiver.MaxLength, "must be positive")
	}
}

func (c *Config) validateSMTP(result *ValidationResult) {
	if c.SMTP.DryRun {
		result.AddWarning("smtp.dry_run", c.SMTP.DryRun, "messages will not be transmitted")
		return
	}
	if !isValidHostname(c.SMTP.Hostname) {
		result.AddError("smtp.hostname", c.SMTP.Hostname, "invalid hostname")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		result.AddError("smtp.port", c.SMTP.Port, "must be between 1 and 65535")
	}
	if c.SMTP.Timeout <= 0 {
		result.AddError("smtp.timeout", c.SMTP.Timeout, "must be positive")
	}
	if c.SMTP.Username != "" && c.SMTP.Password == "" {
		result.AddWarning("smtp.password", "", "username set without password")
	}
}

func (c *Config) validateGarbage(result *ValidationResult) {
	if !c.Garbage.Enabled {
		return
	}
	if c.Garbage.Interval < 1 {
		result.AddError("garbage.interval", c.Garbage.Interval, "must be positive")
	}
	if c.Garbage.OldLast < 0 || c.Garbage.OldTime < 0 {
		result.AddError("garbage.old_last", c.Garbage.OldLast, "ages must not be negative")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	validTypes := []string{"console", "file"}
	if c.Logging.Type != "" && !contains(validTypes, c.Logging.Type) {
		result.AddError("logging.type", c.Logging.Type, fmt.Sprintf("invalid log type, must be one of: %s", strings.Join(validTypes, ", ")))
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if c.Logging.Level != "" && !contains(validLevels, c.Logging.Level) {
		result.AddError("logging.level", c.Logging.Level, fmt.Sprintf("invalid log level, must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"text", "json"}
	if c.Logging.Format != "" && !contains(validFormats, c.Logging.Format) {
		result.AddError("logging.format", c.Logging.Format, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}

	if c.Logging.Type == "file" && c.Logging.File == "" {
		result.AddError("logging.file", c.Logging.File, "file path is required for file logging")
	}
}

func (c *Config) validateMetrics(result *ValidationResult) {
	if c.Metrics.Enabled && !isValidListenAddress(c.Metrics.Listen) {
		result.AddError("metrics.listen", c.Metrics.Listen, "invalid listen address")
	}
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}

	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return true
	}

	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	return hostnameRegex.MatchString(hostname)
}

func isValidListenAddress(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		port, err := strconv.Atoi(addr[1:])
		return err == nil && port >= 0 && port <= 65535
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return false
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}

	return isValidHostname(host) || net.ParseIP(host) != nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
