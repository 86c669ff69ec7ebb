package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(failedCmd)
	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedRetryCmd)
	failedCmd.AddCommand(failedAbandonCmd)
	failedCmd.AddCommand(failedCleanupCmd)
	failedListCmd.Flags().String("room", "", "only show records for one room")
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Manage messages that failed to send",
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed message records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		room, _ := cmd.Flags().GetString("room")
		records := session.Failed().List()
		if room != "" {
			records = session.Failed().ListByRoom(room)
		}
		if len(records) == 0 {
			fmt.Println("No failed messages.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  room=%s  status=%s  retries=%d  failedAt=%s\n    %s\n",
				r.ID, r.RoomID, r.Status, r.RetryCount, formatTime(r.FailedAt), r.Body)
			if r.LastError != "" {
				fmt.Printf("    error: %s\n", r.LastError)
			}
		}
		return nil
	},
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry <record-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := session.Start(ctx); err != nil {
			return err
		}

		if err := session.RetryFailed(args[0]); err != nil {
			return err
		}
		fmt.Println("Retry dispatched.")
		return nil
	},
}

var failedAbandonCmd = &cobra.Command{
	Use:   "abandon <record-id>",
	Short: "Drop a failed message record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.Failed().Abandon(args[0]); err != nil {
			return err
		}
		fmt.Println("Abandoned.")
		return nil
	},
}

var failedCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove failed records older than 7 days",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		removed, err := session.Failed().CleanupExpired()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired record(s).\n", removed)
		return nil
	},
}
