package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/substrate"
)

var (
	cfgFile  string
	envFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "powermem-substrate",
		Short:         "Temporal-semantic memory substrate maintenance tool",
		Long:          longRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Error("powermem-substrate: command failed", "err", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "JSON or YAML configuration file (default: environment and .env)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", ".env file to load when --config is not set")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// configSource picks the configuration source from the global flags.
func configSource() core.ConfigSource {
	if cfgFile != "" {
		return core.FileSource{Path: cfgFile}
	}
	return core.EnvSource{EnvFile: envFile}
}

// newLogger returns a stderr logger at the requested level.
func newLogger() (*log.Logger, error) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", core.ErrInvalidConfig, logLevel)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
	}), nil
}

// openSubstrate loads the configuration and opens the substrate. Callers
// close it.
func openSubstrate() (*substrate.Substrate, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	return substrate.Open(configSource(), substrate.WithLogger(logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var longRoot = `
powermem-substrate manages the temporal-semantic layer of a memory store:
a vector cache in front of the embedding provider, time-based decay of
record weights, and semantic clustering of records.

Configuration is read from --config (JSON or YAML) or, without it, from the
environment and an optional .env file.
`
