// Package cmd implements the vulpini CLI using Cobra.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vulpini/proxy/internal/config"
	"github.com/vulpini/proxy/internal/logging"
	"github.com/vulpini/proxy/internal/supervisor"
)

// version is injected at build time via ldflags.
var version = "dev"

// defaultConfigPath is used when no positional argument is given.
const defaultConfigPath = "vulpini.toml"

var rootCmd = &cobra.Command{
	Use:   "vulpini [config-file]",
	Short: "Multi-protocol rotating forward proxy",
	Long: `vulpini — a SOCKS5 and HTTP forward proxy that rotates across a pool
of upstream nodes, routes destinations through a scored Smart Router, and
watches its own traffic for anomalies.

Reads its configuration from the given TOML file, or from vulpini.toml in
the working directory if no path is given, or from built-in defaults if
neither exists. The running process reloads automatically whenever the
config file changes on disk, and on demand via POST /api/config/reload.
`,
	Version:      version,
	SilenceUsage: true,
	Args:         cobra.MaximumNArgs(1),
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, args []string) error {
	path := defaultConfigPath
	if len(args) == 1 {
		path = args[0]
	}

	bootstrap := logging.Setup("info", nil)

	cfgMgr, err := config.NewManager(path, bootstrap)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	logger := logging.Setup(cfgMgr.Current().Logging.Level, nil)

	sup := supervisor.New(cfgMgr, logger)
	if err := sup.Start(); err != nil {
		return err
	}

	logger.Info("vulpini started", "version", version, "config", path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	sup.Stop()
	return nil
}
