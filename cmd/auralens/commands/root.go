package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "auralens",
	Short: "Live voice/vision assistant orchestration",
	Long: `auralens - turn-taking and response orchestration for a live
voice/vision assistant.

The server speaks a JSON-over-websocket protocol with one session per
connection. Transcription, vision analysis, and generation run against
external providers configured in a YAML file.

Examples:
  # Run the server
  auralens serve -f config.yaml

  # Play a scripted session against it
  auralens simulate --url ws://localhost:8990 -f script.yaml

  # Inspect archived sessions
  auralens sessions --archive badger:///var/lib/auralens`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
