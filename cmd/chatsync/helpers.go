package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	chatsync "github.com/Prismer-AI/chatsync"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// baseURL resolves the server address: flag or CHATSYNC_BASE_URL first,
// then the config file, then the library default.
func baseURL(cfg *Config) string {
	if u := viper.GetString("base_url"); u != "" {
		return u
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return chatsync.DefaultBaseURL
}

// newClient creates a client for the configured server without a session.
func newClient(cfg *Config, opts ...chatsync.ClientOption) *chatsync.Client {
	return chatsync.NewClient(append([]chatsync.ClientOption{chatsync.WithBaseURL(baseURL(cfg))}, opts...)...)
}

// getAuthedClient creates a client carrying the stored session. Refreshed
// tokens are written back to the config file; a rejected refresh clears it.
func getAuthedClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'chatsync login <email>' first.")
		os.Exit(1)
	}

	client := newClient(cfg,
		chatsync.WithTokens(chatsync.TokenPair{Access: cfg.Auth.AccessToken, Refresh: cfg.Auth.RefreshToken}),
		chatsync.WithTokenRefreshHandler(func(p chatsync.TokenPair) {
			cfg.Auth.AccessToken = p.Access
			cfg.Auth.RefreshToken = p.Refresh
			if err := saveConfig(cfg); err != nil {
				jww.WARN.Printf("[AUTH] could not persist refreshed tokens: %v", err)
			}
		}),
		chatsync.WithLogoutHandler(func() {
			cfg.Auth = ConfigAuth{}
			if err := saveConfig(cfg); err != nil {
				jww.WARN.Printf("[AUTH] could not clear session: %v", err)
			}
			fmt.Fprintln(os.Stderr, "Session expired. Run 'chatsync login <email>' again.")
		}),
	)
	return client, cfg
}

// selfID returns the logged-in user's id, looking it up if the config lacks it.
func selfID(ctx context.Context, client *chatsync.Client, cfg *Config) (chatsync.ID, error) {
	if cfg.Auth.UserID != "" {
		return chatsync.ID(cfg.Auth.UserID), nil
	}
	me, err := client.Users.Me(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch profile")
	}
	cfg.Auth.UserID = string(me.ID)
	cfg.Auth.Username = me.Username
	if err := saveConfig(cfg); err != nil {
		jww.WARN.Printf("[AUTH] could not persist profile: %v", err)
	}
	return me.ID, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	fmt.Println(string(data))
	return nil
}
