package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/oceanbase/powermem-substrate/pkg/substrate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache sweep, decay and centroid refresh loops",
	Long:  longServe,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		s, err := substrate.Open(configSource(), substrate.WithLogger(logger))
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Start(ctx); err != nil {
			return err
		}
		return serve(ctx, s, logger)
	},
}

// serve blocks until ctx is done, reloading the configuration on SIGHUP.
func serve(ctx context.Context, s *substrate.Substrate, logger *log.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("powermem-substrate: shutting down")
			s.Stop()
			return nil
		case <-hup:
			if err := s.Reload(); err != nil {
				logger.Error("powermem-substrate: reload failed", "err", err)
				continue
			}
			// Intervals are read on Start.
			s.Stop()
			if err := s.Start(ctx); err != nil {
				return err
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

var longServe = `
Run the background loops until SIGINT or SIGTERM. SIGHUP reloads the
configuration source and restarts the loops with the new intervals.

Examples:
  powermem-substrate serve --config substrate.yaml --log-level debug
`
