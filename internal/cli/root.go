// Package cli implements the command-line interface for scenemerge.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kilupskalvis/scenemerge/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scenemerge",
	Short: "Collaborative scene-graph merge server",
	Long: `scenemerge merges concurrent edits to shared scene documents.

Replicas exchange timestamped operations (insert, delete, set-property,
move, reorder) and every replica that sees the same operations ends in
the same state, regardless of arrival order.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		os.Getenv(config.EnvPrefix+"CONFIG"),
		"Config file (env: SCENEMERGE_CONFIG)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(completionCmd)
}

// resolveConfigPath returns the file named by --config, falling back to
// scenemerge.toml in the working directory when it exists.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.DefaultConfigFile); err == nil {
		return config.DefaultConfigFile
	}
	return ""
}

// loadConfig loads the resolved config file, exiting on error.
func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// newLogger builds the process logger from the configured level and format.
func newLogger(level, format string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		exitError("%v", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
