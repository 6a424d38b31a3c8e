package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pawchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Storage ConfigStorage `toml:"storage"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds connection and logging settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	LogLevel  string `toml:"log_level"`
	Transport string `toml:"transport"`
	NATSURL   string `toml:"nats_url"`
}

// ConfigAuth holds the bearer credential.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigStorage selects where device state is persisted.
type ConfigStorage struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	RedisPrefix string `toml:"redis_prefix"`
}

// ConfigCache is the local message retention policy.
type ConfigCache struct {
	MaxMessages int    `toml:"max_messages"`
	MaxAge      string `toml:"max_age"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pawchat (or $PAWCHAT_HOME), creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("PAWCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".pawchat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKeys lists every settable key in dot notation.
var configKeys = []string{
	"default.base_url", "default.log_level", "default.transport", "default.nats_url",
	"auth.token", "auth.user_id",
	"storage.backend", "storage.path", "storage.redis_addr", "storage.redis_db", "storage.redis_prefix",
	"cache.max_messages", "cache.max_age",
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "transport":
			if value != "websocket" && value != "nats" {
				return fmt.Errorf("transport must be websocket or nats")
			}
			cfg.Default.Transport = value
		case "nats_url":
			cfg.Default.NATSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "storage":
		switch field {
		case "backend":
			if value != "file" && value != "redis" && value != "memory" {
				return fmt.Errorf("storage backend must be file, redis or memory")
			}
			cfg.Storage.Backend = value
		case "path":
			cfg.Storage.Path = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be an integer: %w", err)
			}
			cfg.Storage.RedisDB = n
		case "redis_prefix":
			cfg.Storage.RedisPrefix = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "cache":
		switch field {
		case "max_messages":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_messages must be a non-negative integer")
			}
			cfg.Cache.MaxMessages = n
		case "max_age":
			if value != "" {
				if _, err := time.ParseDuration(value); err != nil {
					return fmt.Errorf("max_age must be a duration (e.g. 720h): %w", err)
				}
			}
			cfg.Cache.MaxAge = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, storage, cache)", section)
	}
	return nil
}

// ============================================================================
// Flag and environment overrides
// ============================================================================

// settings layers command-line flags and PAWCHAT_* environment variables
// over the config file. Keys match configKeys; PAWCHAT_DEFAULT_BASE_URL
// overrides default.base_url.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PAWCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("base-url", "", "service base URL (overrides default.base_url)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("transport", "", "hub transport: websocket or nats")
	flags.String("token", "", "bearer token (overrides auth.token)")
	flags.String("store", "", "storage backend: file, redis or memory")

	for flag, key := range map[string]string{
		"base-url":  "default.base_url",
		"log-level": "default.log_level",
		"transport": "default.transport",
		"token":     "auth.token",
		"store":     "storage.backend",
	} {
		_ = settings.BindPFlag(key, flags.Lookup(flag))
	}
}

// resolveConfig loads the config file and applies flag and environment
// overrides on top of it.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, settings); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, v *viper.Viper) error {
	for _, key := range configKeys {
		val := v.GetString(key)
		if val == "" {
			continue
		}
		if err := setConfigValue(cfg, key, val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "pawchat",
	Short:        "PawHaven chat CLI",
	Long:         "Command-line client for PawHaven adoption chat.\nList conversations, read and send messages, and listen for live events.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
