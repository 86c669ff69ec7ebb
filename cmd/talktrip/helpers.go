package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	chatcore "github.com/goorm-ilum/chatcore"
)

// newLogger builds a console logger honoring TALKTRIP_DEBUG.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if os.Getenv("TALKTRIP_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// newFailedStore picks the persistence backend from config.
func newFailedStore(cfg *Config) (chatcore.FailedStore, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	switch cfg.Default.Store {
	case "", "sqlite":
		return chatcore.NewSQLiteFailedStore(filepath.Join(dir, "failed.db"))
	case "file":
		return chatcore.NewFileFailedStore(filepath.Join(dir, "failed.json"))
	case "memory":
		return chatcore.NewMemoryFailedStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: sqlite, file, memory)", cfg.Default.Store)
	}
}

// newSession wires a session from the stored configuration.
func newSession(cfg *Config) (*chatcore.Session, error) {
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL configured; run 'talktrip init' first")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("not authenticated; run 'talktrip init' or set TALKTRIP_TOKEN")
	}

	log := newLogger()
	token := func(ctx context.Context) (string, error) {
		// Re-read per attempt so a rotated token in the environment wins.
		if t := os.Getenv("TALKTRIP_TOKEN"); t != "" {
			return t, nil
		}
		return cfg.Auth.Token, nil
	}

	client := chatcore.NewClient(cfg.Default.BaseURL, token, chatcore.WithLogger(log))
	conn := chatcore.NewConn(chatcore.ConnConfig{
		URL:    cfg.Default.BrokerURL,
		Token:  token,
		Logger: log,
	})
	store, err := newFailedStore(cfg)
	if err != nil {
		return nil, err
	}

	return chatcore.NewSession(chatcore.SessionConfig{
		Client:      client,
		Conn:        conn,
		FailedStore: store,
		UserID:      cfg.Auth.UserID,
		DisplayName: cfg.Auth.DisplayName,
		Logger:      log,
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
