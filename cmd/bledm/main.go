package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/bledm/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Tests build a fresh tree per run so
// flag values never leak between them.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bledm",
		Short: "BLE device manager tool",
		Long: `Bluetooth Low Energy (BLE) device manager tool that provides:

- Inspect and edit the paired-device (bonding) store
- Generate and resolve resolvable private addresses
- Check connection-parameter policies against proposals
- Replay scripted protocol-stack sessions through the device manager

Useful for firmware bring-up, bonding-store forensics and regression scripts.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
	}

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(newBondsCmd())
	rootCmd.AddCommand(newRPACmd())
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(newSimulateCmd())

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().String("color", "auto", "Colorize output (auto, always, never)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	return rootCmd
}

// loadConfig reads --config, or returns the defaults when it is unset
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(1)
	}
}
