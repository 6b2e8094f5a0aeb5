package main

import (
	"log/slog"
	"os"

	"github.com/vmops/ovfdeploy/cmd/ovfdeploy/commands"
)

func main() {
	// Initialize structured logger with text format for readability
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
