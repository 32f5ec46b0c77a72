package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "MAILDISPATCH_"

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from MAILDISPATCH_* variables.
// Only the settings that usually differ between deployments are exposed.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DB_DIR":          &cfg.DB.Dir,
		"RECEIVER_LISTEN": &cfg.Receiver.Listen,
		"SMTP_HOSTNAME":   &cfg.SMTP.Hostname,
		"SMTP_USERNAME":   &cfg.SMTP.Username,
		"SMTP_PASSWORD":   &cfg.SMTP.Password,
		"CACHE_TYPE":      &cfg.Cache.Type,
		"CACHE_HOST":      &cfg.Cache.Host,
		"CACHE_PASSWORD":  &cfg.Cache.Password,
		"LOG_LEVEL":       &cfg.Logging.Level,
		"METRICS_LISTEN":  &cfg.Metrics.Listen,
		"VALKEY_ADDR":     &cfg.Metrics.ValkeyAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SENDER_WORKERS": &cfg.Sender.Workers,
		"SMTP_PORT":      &cfg.SMTP.Port,
		"CACHE_PORT":     &cfg.Cache.Port,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"DEBUG":                &cfg.Common.Debug,
		"SMTP_SSL":             &cfg.SMTP.SSL,
		"SMTP_DRY_RUN":         &cfg.SMTP.DryRun,
		"METRICS_ENABLED":      &cfg.Metrics.Enabled,
		"SENDER_ATTACH_IMAGES": &cfg.Sender.AttachImages,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}

	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
