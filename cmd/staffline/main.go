package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.staffline/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Cache    ConfigCache    `toml:"cache"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds backend and identity settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
}

// ConfigRealtime selects and tunes the push transport.
type ConfigRealtime struct {
	Transport     string `toml:"transport"` // "ws", "sse" or "webhook"
	Heartbeat     string `toml:"heartbeat"` // duration, e.g. "25s"
	Retry         int    `toml:"retry"`     // resubscribe attempts after an error, 0 disables
	WebhookListen string `toml:"webhook_listen"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ConfigCache locates the offline cache.
type ConfigCache struct {
	Path string `toml:"path"` // "memory" disables the on-disk cache
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level string `toml:"level"`
}

// envOverrides are read from STAFFLINE_* variables (and .env) on top of the file.
type envOverrides struct {
	BaseURL       string `envconfig:"base_url"`
	Token         string `envconfig:"token"`
	UserID        string `envconfig:"user_id"`
	Transport     string `envconfig:"transport"`
	WebhookSecret string `envconfig:"webhook_secret"`
	CachePath     string `envconfig:"cache_path"`
	LogLevel      string `envconfig:"log_level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.staffline, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".staffline")
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

// resolveConfig loads the file and applies environment overrides. The result
// is for running commands; never save it back.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	env, err := readEnv()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, env)
	return cfg, nil
}

// readEnv loads .env into the process environment (without replacing set
// variables) and reads the STAFFLINE_* overrides.
func readEnv() (*envOverrides, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Debug().Err(err).Msg("couldn't load .env")
	}
	var env envOverrides
	if err := envconfig.Process("staffline", &env); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	return &env, nil
}

func applyEnv(cfg *Config, env *envOverrides) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Default.BaseURL, env.BaseURL)
	override(&cfg.Default.Token, env.Token)
	override(&cfg.Default.UserID, env.UserID)
	override(&cfg.Realtime.Transport, env.Transport)
	override(&cfg.Realtime.WebhookSecret, env.WebhookSecret)
	override(&cfg.Cache.Path, env.CachePath)
	override(&cfg.Log.Level, env.LogLevel)
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

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			switch value {
			case "ws", "sse", "webhook":
			default:
				return fmt.Errorf("transport must be ws, sse or webhook")
			}
			cfg.Realtime.Transport = value
		case "heartbeat":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("heartbeat must be a duration: %w", err)
			}
			cfg.Realtime.Heartbeat = value
		case "retry":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
				return fmt.Errorf("retry must be a non-negative integer")
			}
			cfg.Realtime.Retry = n
		case "webhook_listen":
			cfg.Realtime.WebhookListen = value
		case "webhook_secret":
			cfg.Realtime.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "cache":
		switch field {
		case "path":
			cfg.Cache.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, cache, log)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var (
	logger   = zerolog.Nop()
	logLevel string
)

func setupLogger(cfg *Config) {
	level := zerolog.WarnLevel
	name := logLevel
	if name == "" {
		name = cfg.Log.Level
	}
	if name != "" {
		if l, err := zerolog.ParseLevel(name); err == nil {
			level = l
		}
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "staffline",
	Short: "Staffline messaging CLI",
	Long:  "Command-line interface for the Staffline messaging SDK.\nRead and send messages, watch realtime events, or open the chat TUI.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogger(cfg)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
