package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	cfg        = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "mpbfgs",
	Short: "Arbitrary-precision BFGS minimizer",
	Long: `mpbfgs minimizes a scalar objective with the BFGS quasi-Newton method at
arbitrary floating-point precision. Runs write checkpoints that can be resumed
or refined at a higher precision.

Every flag can also be set in the YAML file given by --config or through an
environment variable MPBFGS_<FLAG>, with dashes replaced by underscores.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Base directory for checkpoints and traces")
}

// setup loads the configuration for the executing command and installs the
// logger.
func setup(cmd *cobra.Command, args []string) error {
	cfg = viper.New()
	cfg.SetEnvPrefix("MPBFGS")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	if err := cfg.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile != "" {
		cfg.SetConfigFile(configFile)
		if err := cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	var level slog.Level
	switch cfg.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout carries the progress table
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}
