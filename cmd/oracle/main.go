// Package main implements the oracle CLI: drive a chat web application over
// its DevTools protocol, wait out an in-flight assistant answer, and print it.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xnzim/oracle-sub001/internal/config"
	"github.com/xnzim/oracle-sub001/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "oracle",
	Short: "oracle - capture assistant answers from a chat web app over DevTools",
	Long: `oracle drives a human-facing chat web application through its remote
debugging protocol as a substitute for a vendor API. It determines when the
assistant has finished answering, extracts the answer as plain text and
markdown, and can reattach to a still-running session after this process
restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.Logging.Dir, cfg.GetLogLevel(), cfg.Logging.DebugMode); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// defaultConfigPath is where oracle looks for config when --config is unset.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".oracle", "config.yaml")
	}
	return filepath.Join(home, ".oracle", "config.yaml")
}

// coordinatesPath resolves the coordinates file location.
func coordinatesPath() string {
	if cfg.Browser.CoordinatesPath != "" {
		return cfg.Browser.CoordinatesPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".oracle", "coordinates.json")
	}
	return filepath.Join(home, ".oracle", "coordinates.json")
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(markdownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
