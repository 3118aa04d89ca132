package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var configShowSecrets bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "Print tokens in full")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with tokens masked",
	Long:  "Print the stored configuration. Tokens are masked unless --show-secrets is given, and the base URL in effect is shown when a flag or CHATSYNC_BASE_URL overrides the file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'chatsync login <email>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		shown := *cfg
		if !configShowSecrets {
			shown.Auth.AccessToken = maskToken(cfg.Auth.AccessToken)
			shown.Auth.RefreshToken = maskToken(cfg.Auth.RefreshToken)
		}
		data, err := toml.Marshal(&shown)
		if err != nil {
			return errors.Wrap(err, "cannot marshal config")
		}

		fmt.Printf("# %s\n", path)
		fmt.Print(string(data))
		if effective := baseURL(cfg); effective != cfg.Default.BaseURL {
			fmt.Printf("\n# base_url in effect: %s\n", effective)
		}
		return nil
	},
}

// maskToken keeps the first and last four characters of a token.
func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 12 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + "…" + tok[len(tok)-4:]
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		if strings.HasSuffix(key, "_token") {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
