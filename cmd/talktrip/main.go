package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.talktrip/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	BrokerURL string `toml:"broker_url"`
	Store     string `toml:"store"` // sqlite | file | memory
}

// ConfigAuth holds the chat identity.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// envOverrides are applied on top of the config file.
type envOverrides struct {
	BaseURL   string `env:"TALKTRIP_BASE_URL"`
	BrokerURL string `env:"TALKTRIP_BROKER_URL"`
	Token     string `env:"TALKTRIP_TOKEN"`
	UserID    string `env:"TALKTRIP_USER_ID"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.talktrip, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".talktrip")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file, then applies environment overrides.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process(context.Background(), &env); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if env.BaseURL != "" {
		cfg.Default.BaseURL = env.BaseURL
	}
	if env.BrokerURL != "" {
		cfg.Default.BrokerURL = env.BrokerURL
	}
	if env.Token != "" {
		cfg.Auth.Token = env.Token
	}
	if env.UserID != "" {
		cfg.Auth.UserID = env.UserID
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
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "broker_url":
			cfg.Default.BrokerURL = value
		case "store":
			cfg.Default.Store = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "talktrip",
	Short: "TalkTrip chat CLI",
	Long:  "Command-line interface for the TalkTrip chat core.\nList rooms, watch and send messages, and manage failed sends.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
