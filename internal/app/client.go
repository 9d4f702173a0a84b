package app

import (
	"errors"

	"roomcast/internal/client"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.Token == "" {
		return errors.New("token is required")
	}
	return client.RunClient(client.Config{
		ServerURL: cfg.ServerURL,
		Token:     cfg.Token,
		RoomID:    cfg.RoomID,
		Password:  cfg.Password,
	})
}
