package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("broker-url", "", "WebSocket broker endpoint (wss://...)")
	initCmd.Flags().String("user-id", "", "chat user id")
	initCmd.Flags().String("display-name", "", "display name used on sends")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Initialize TalkTrip configuration",
	Long:  "Create ~/.talktrip/config.toml with the API endpoint and bearer token.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Default.BaseURL = args[0]
		cfg.Auth.Token = args[1]

		if v, _ := cmd.Flags().GetString("broker-url"); v != "" {
			cfg.Default.BrokerURL = v
		}
		if v, _ := cmd.Flags().GetString("user-id"); v != "" {
			cfg.Auth.UserID = v
		}
		if v, _ := cmd.Flags().GetString("display-name"); v != "" {
			cfg.Auth.DisplayName = v
		}

		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}
