package main

import (
	"flag"
	"fmt"
	"os"

	"roomcast/internal/app"
)

func main() {
	defaultServer := envOrDefault("ROOMCAST_SERVER", "ws://localhost:8080/ws")
	defaultToken := envOrDefault("ROOMCAST_TOKEN", "")

	serverURL := flag.String("server", defaultServer, "WebSocket URL (e.g., ws://localhost:8080/ws)")
	token := flag.String("token", defaultToken, "credential issued by `roomcast token`")
	password := flag.String("password", "", "room password, if the room has one")
	flag.Parse()

	var roomID string
	if args := flag.Args(); len(args) >= 1 {
		roomID = args[0]
	}

	cfg := app.ClientConfig{
		ServerURL: *serverURL,
		Token:     *token,
		RoomID:    roomID,
		Password:  *password,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
