package main

import (
	"log/slog"
	"os"

	"github.com/tidewater-os/abctl/cmd/abctl/commands"
)

func main() {
	// Structured logs on stderr; stdout is reserved for command output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
