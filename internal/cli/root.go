// Package cli implements the dnacore command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pokerdna/dnacore/internal/daemon"
	"github.com/pokerdna/dnacore/internal/infra/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dnacore",
	Short: "Player DNA and XP ledger service",
	Long: `dnacore keeps each player's DNA profile and XP ledger consistent.
Credits go through a validating, version-conditional kernel that never lowers
XP and records every attempt in an append-only security log. Reads go through
a cache that stays coherent with the authoritative store.

Configuration lives in ~/.dnacore/config.toml (override with DNACORE_HOME).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default ~/.dnacore/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config and applies its logging section.
func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return daemon.Config{}, err
	}
	if err := logging.Configure(cfg.Log); err != nil {
		return daemon.Config{}, err
	}
	return cfg, nil
}

// withDaemon builds the components against the configured store for the
// duration of fn. Commands call the kernel and the synchronizer in-process.
func withDaemon(fn func(d *daemon.Daemon) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
