package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the session of the logged-in user.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	UserID       string `toml:"user_id"`
	Username     string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the config file path. --config overrides the default.
func configPath() (string, error) {
	if p := viper.GetString("config"); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "cannot parse config")
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrap(err, "cannot read config")
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.New("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "refresh_token":
			cfg.Auth.RefreshToken = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(1)
		}
		jww.SetLogOutput(logOutput)
	}

	switch {
	case threshold > 1:
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	case threshold == 1:
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	default:
		jww.SetStdoutThreshold(jww.LevelWarn)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat client CLI",
	Long:  "Command-line client for the chat service.\nLog in, browse conversations, read history and chat live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint("logLevel"), viper.GetString("log"))
	},
	SilenceUsage: true,
}

func init() {
	viper.SetEnvPrefix("CHATSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbosity level: 0 for warnings, 1 for debug, 2+ for trace")
	_ = viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().String("log", "-",
		"Path to the log output path (- is stdout)")
	_ = viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))

	rootCmd.PersistentFlags().String("base-url", "",
		"Chat server base URL, overrides default.base_url")
	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))

	rootCmd.PersistentFlags().String("config", "",
		"Path to the config file (default ~/.chatsync/config.toml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
