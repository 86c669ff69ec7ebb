package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	chatcore "github.com/goorm-ilum/chatcore"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <text>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, text := args[0], args[1]

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
		// A pending broker connection is only worth a warning: the send
		// below either goes out or becomes a durable failed record.
		if err := session.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "connect pending: %v\n", err)
		}

		if _, err := session.Send(roomID, text); err != nil {
			if errors.Is(err, chatcore.ErrNotConnected) {
				fmt.Fprintln(os.Stderr, "Not connected; message saved for retry (see 'talktrip failed list').")
				return nil
			}
			return err
		}
		fmt.Println("Sent.")
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Stream live messages from a room",
	Long:  "Open a room, print its latest history, then stream new messages until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer session.Close()

		session.OnMessage(func(m chatcore.Message) {
			if m.RoomID != roomID {
				return
			}
			name := m.SenderDisplayName
			if name == "" {
				name = m.SenderID
			}
			fmt.Printf("[%s] %s: %s\n", formatTime(m.CreatedAt), name, m.Body)
		})

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		if err := session.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "connect pending: %v\n", err)
		}
		handle, err := session.OpenRoom(ctx, roomID)
		if err != nil {
			return err
		}
		for _, m := range handle.Store().Messages() {
			name := m.SenderDisplayName
			if name == "" {
				name = m.SenderID
			}
			fmt.Printf("[%s] %s: %s\n", formatTime(m.CreatedAt), name, m.Body)
		}

		<-ctx.Done()
		return nil
	},
}
