// Command courier runs the chat update pipeline: the API server, the update
// materializer, and the dialog read-task worker, plus one-shot operational
// commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "courier <command>",
	Short: "Event-driven update propagation for the chat backend",
	SilenceUsage: true,
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(readWorkerCmd)
	rootCmd.AddCommand(recalcCmd)
	rootCmd.AddCommand(exportCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
