package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var initUserID string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user to sign in as (default: the token's owner)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.staffline/config.toml",
	Long:  "Initialize the Staffline CLI by storing your access token and the user it signs in as.\nWithout --user-id the user is looked up from the token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		userID := initUserID
		if userID == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			id, err := newClient(cfg).Me(ctx)
			if err != nil {
				return fmt.Errorf("cannot resolve user from token (pass --user-id to skip): %w", err)
			}
			userID = id.UserID
		}
		cfg.Default.UserID = userID

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s (user %s)\n", path, userID)
		return nil
	},
}
