package main

import (
	"context"
	"fmt"
	"time"

	chatsync "github.com/Prismer-AI/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the stored tokens are expired, and fetch the live profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", baseURL(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:    %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username:    (not logged in)")
		}
		fmt.Printf("  Access:      %s\n", tokenStatus(cfg.Auth.AccessToken))
		fmt.Printf("  Refresh:     %s\n", tokenStatus(cfg.Auth.RefreshToken))

		if cfg.Auth.AccessToken == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _ := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread, err := client.Conversations.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:      %s\n", me.Username)
		fmt.Printf("  Email:         %s\n", valueOrDefault(me.Email, "(hidden)"))
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// tokenStatus describes a JWT's expiry without verifying it.
func tokenStatus(token string) string {
	if token == "" {
		return "none"
	}
	exp, ok := chatsync.TokenExpiry(token)
	if !ok {
		return "present (no expiry)"
	}
	if time.Now().Before(exp) {
		return fmt.Sprintf("valid (expires %s)", humanize.Time(exp))
	}
	return fmt.Sprintf("EXPIRED (%s)", humanize.Time(exp))
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
