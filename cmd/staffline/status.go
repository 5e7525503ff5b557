package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration, check the backend, and fetch the signed-in profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Transport:   %s\n", transportOf(cfg))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Path, "(default)"))

		if cfg.Default.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Backend:     unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend:     ok")

		id, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Account:     error (%v)\n", err)
			return nil
		}
		fmt.Printf("  Account:     %s\n", valueOrDefault(id.Email, id.UserID))

		if cfg.Default.UserID == "" {
			return nil
		}
		p, err := client.GetProfile(ctx, cfg.Default.UserID)
		if err != nil {
			fmt.Printf("  Profile:     error (%v)\n", err)
			return nil
		}
		fmt.Printf("  Profile:     %s (%s)\n", p.DisplayName, valueOrDefault(p.Role, "no role"))
		return nil
	},
}

// maskKey shows only the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// valueOrDefault returns val if non-empty, otherwise def.
func valueOrDefault(val, def string) string {
	if val != "" {
		return val
	}
	return def
}
