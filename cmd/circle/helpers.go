package main

import (
	"fmt"
	"os"

	circle "github.com/circle-im/circle-go"
)

// getClient creates a REST client authenticated with the stored token.
func getClient() *circle.Client {
	cfg := mustConfig()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'circle login <email>' first.")
		os.Exit(1)
	}

	var opts []circle.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, circle.WithBaseURL(cfg.Default.BaseURL))
	}
	return circle.NewClient(cfg.Auth.Token, opts...)
}

// getChannel creates a realtime channel client with the stored token. The
// connection is not established; callers Connect when ready.
func getChannel() *circle.ChannelClient {
	cfg := mustConfig()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'circle login <email>' first.")
		os.Exit(1)
	}

	var opts []func(*circle.ChannelConfig)
	if cfg.Default.BaseURL != "" {
		opts = append(opts, circle.WithChannelBaseURL(cfg.Default.BaseURL))
	}
	return circle.NewChannelClient(cfg.Auth.Token, opts...)
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
