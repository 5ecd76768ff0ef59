package main

import (
	"log/slog"
	"os"

	"hoho/internal/slogutil"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger := slogutil.NewLogger(os.Stderr, slog.LevelInfo)
		logger.Error("Command execution failed", "error", err.Error())
		os.Exit(1)
	}
}
