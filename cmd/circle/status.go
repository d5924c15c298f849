package main

import (
	"context"
	"fmt"
	"time"

	circle "github.com/circle-im/circle-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the stored configuration, the session identity, and whether the realtime channel accepts the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, circle.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  (not logged in)")
			return nil
		}
		fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		if id, err := circle.ParseIdentity(cfg.Auth.Token); err == nil {
			fmt.Printf("  User ID:  %s\n", id.UserID)
			fmt.Printf("  Username: %s\n", id.Username)
		} else {
			fmt.Printf("  Identity: unparseable (%v)\n", err)
		}

		// Probe the realtime channel with a one-shot connection.
		fmt.Println()
		fmt.Println("Realtime channel:")
		channel := getChannel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := channel.Connect(ctx); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Println("  Connected (token accepted)")
		channel.Disconnect()
		return nil
	},
}

// maskToken shows the first 12 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return token[:4] + "..." + token[len(token)-4:]
	}
	return token[:12] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
