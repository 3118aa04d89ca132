package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	chatsync "github.com/Prismer-AI/chatsync"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	loginCmd.Flags().StringP("password", "p", "", "Account password (or CHATSYNC_PASSWORD); prompted if empty")
	_ = viper.BindPFlag("password", loginCmd.Flags().Lookup("password"))
	registerCmd.Flags().StringP("password", "p", "", "Account password (or CHATSYNC_PASSWORD); prompted if empty")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session",
	Long:  "Exchange email and password for a token pair and store it in ~/.chatsync/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		password, err := readPassword(viper.GetString("password"))
		if err != nil {
			return err
		}

		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pair, err := client.Auth.Login(ctx, email, password)
		if err != nil {
			return errors.Wrap(err, "login failed")
		}
		me, err := client.Users.Me(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to fetch profile")
		}

		cfg.Auth = ConfigAuth{
			AccessToken:  pair.Access,
			RefreshToken: pair.Refresh,
			UserID:       string(me.ID),
			Username:     me.Username,
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", me.ID)
		fmt.Printf("  Username: %s\n", me.Username)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username> <email>",
	Short: "Create an account",
	Long:  "Create an account on the chat server. Run 'chatsync login <email>' afterwards to start a session.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		flag, _ := cmd.Flags().GetString("password")
		if flag == "" {
			flag = viper.GetString("password")
		}
		password, err := readPassword(flag)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := newClient(cfg).Auth.Register(ctx, &chatsync.RegisterRequest{
			Username: args[0],
			Email:    args[1],
			Password: password,
		})
		if err != nil {
			return errors.Wrap(err, "registration failed")
		}
		fmt.Printf("Account %s created (id %s). Log in with: chatsync login %s\n", user.Username, user.ID, args[1])
		return nil
	},
}

// readPassword returns given, or prompts for a password on stdin when empty.
func readPassword(given string) (string, error) {
	if given != "" {
		return given, nil
	}
	fmt.Print("Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "failed to read password")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}
		fmt.Println("Logged out.")
		return nil
	},
}
