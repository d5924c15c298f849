package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	circle "github.com/circle-im/circle-go"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session token",
	Long:  "Exchange credentials for an identity token and store it in ~/.circle/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		var opts []circle.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, circle.WithBaseURL(cfg.Default.BaseURL))
		}
		client := circle.NewClient("", opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Token = result.Token
		cfg.Auth.UserID = result.User.ID
		cfg.Auth.Username = result.User.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Logged in.")
		fmt.Printf("  User ID:  %s\n", result.User.ID)
		fmt.Printf("  Username: %s\n", result.User.Username)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		id, err := circle.ParseIdentity(cfg.Auth.Token)
		if err != nil {
			return fmt.Errorf("stored token is not parseable: %w", err)
		}
		fmt.Printf("User ID:  %s\n", id.UserID)
		fmt.Printf("Username: %s\n", id.Username)
		return nil
	},
}
