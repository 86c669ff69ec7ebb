package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("pages", 1, "number of history pages to fetch")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms by recent activity",
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
		// The room list comes over REST; a pending broker connection is
		// only worth a warning.
		if err := session.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "connect pending: %v\n", err)
		}

		rooms := session.Directory().Rooms()
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		for _, r := range rooms {
			unread := ""
			if r.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", r.UnreadCount)
			}
			fmt.Printf("%-24s  %-20s  %s  %s%s\n", r.ID, r.Title, formatTime(r.LastMessageAt), r.LastMessage, unread)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		pages, _ := cmd.Flags().GetInt("pages")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()
		// History comes over REST; a pending broker connection is only
		// worth a warning.
		if err := session.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "connect pending: %v\n", err)
		}

		handle, err := session.OpenRoom(ctx, roomID)
		if err != nil {
			return err
		}
		for i := 1; i < pages && handle.Store().HasMore(); i++ {
			if _, err := session.LoadOlder(ctx, roomID); err != nil {
				return err
			}
		}

		for _, m := range handle.Store().Messages() {
			name := m.SenderDisplayName
			if name == "" {
				name = m.SenderID
			}
			fmt.Printf("[%s] %s: %s\n", formatTime(m.CreatedAt), name, m.Body)
		}
		return nil
	},
}
