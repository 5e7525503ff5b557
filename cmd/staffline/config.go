package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Staffline configuration",
	Long:  "View or modify the Staffline CLI configuration stored in ~/.staffline/config.toml.\nSTAFFLINE_* environment variables (and a local .env file) override it at run time.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting with the value commands will use and where it\n" +
		"comes from: env (STAFFLINE_* or .env), file or default. Secrets are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		env, err := readEnv()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("# %s (not found, run 'staffline init <token>' to create it)\n", path)
		} else {
			fmt.Printf("# %s\n", path)
		}
		for _, r := range configRows(file, env) {
			fmt.Printf("%-24s %-32s (%s)\n", r.Key, r.Value, r.Source)
		}
		return nil
	},
}

// configRow is one effective setting as shown by 'config show'.
type configRow struct {
	Key    string
	Value  string
	Source string // "env", "file" or "default"
}

// configRows resolves each setting the way applyEnv does: a non-empty
// environment value wins over the file, the file over the built-in default.
func configRows(file *Config, env *envOverrides) []configRow {
	row := func(key, fromFile, fromEnv, def string) configRow {
		switch {
		case fromEnv != "":
			return configRow{Key: key, Value: fromEnv, Source: "env"}
		case fromFile != "":
			return configRow{Key: key, Value: fromFile, Source: "file"}
		}
		return configRow{Key: key, Value: def, Source: "default"}
	}
	secret := func(r configRow) configRow {
		if r.Source != "default" {
			r.Value = maskKey(r.Value)
		}
		return r
	}
	retry := ""
	if file.Realtime.Retry > 0 {
		retry = strconv.Itoa(file.Realtime.Retry)
	}

	return []configRow{
		row("default.environment", file.Default.Environment, "", "production"),
		row("default.base_url", file.Default.BaseURL, env.BaseURL, "(from environment)"),
		secret(row("default.token", file.Default.Token, env.Token, "(unset)")),
		row("default.user_id", file.Default.UserID, env.UserID, "(unset)"),
		row("realtime.transport", file.Realtime.Transport, env.Transport, "ws"),
		row("realtime.heartbeat", file.Realtime.Heartbeat, "", "25s"),
		row("realtime.retry", retry, "", "0 (disabled)"),
		row("realtime.webhook_listen", file.Realtime.WebhookListen, "", defaultWebhookListen),
		secret(row("realtime.webhook_secret", file.Realtime.WebhookSecret, env.WebhookSecret, "(unset)")),
		row("cache.path", file.Cache.Path, env.CachePath, "~/.staffline/cache.db"),
		row("log.level", file.Log.Level, env.LogLevel, "warn"),
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: staffline config set realtime.transport sse",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.token" || key == "realtime.webhook_secret" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
