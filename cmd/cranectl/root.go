package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crane-dl/crane/internal/config"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	serverAddr string
	apiKey     string
)

var rootCmd = &cobra.Command{
	Use:     "cranectl",
	Short:   "Multi-connection download manager",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "crane daemon address (default: http://127.0.0.1:<configured port>)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key, if the daemon requires one")
}

// Execute runs the cobra command tree.
func Execute() error {
	return rootCmd.Execute()
}

// resolveServerAddr returns the --server flag, or derives one from the
// on-disk config when unset, per the daemon's default listen port.
func resolveServerAddr() string {
	if serverAddr != "" {
		return serverAddr
	}
	cfg := config.LoadOrDefault(nil)
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}

func newClientFromFlags() *client {
	return newClient(resolveServerAddr(), apiKey)
}
