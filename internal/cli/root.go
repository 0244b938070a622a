// Package cli implements the aide command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string

	// Build information - set via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "aide",
	Short: "Approval-gated operator assistant",
	Long: `aide is a conversational operator assistant. It chats over WebSocket,
detects operational intents (disk usage, memory, folder creation), and
turns them into proposed shell commands. Nothing runs without an explicit
approval over the REST API; approved commands execute on this host or on
a remote machine over SSH and every transition is recorded.

Quick Start:
  aide serve                       # Start on 127.0.0.1:8787
  aide serve --port 9000           # Custom port
  aide version                     # Show build information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/aide/config.toml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
