package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/decay"
)

var (
	decayBatchSize  int
	decayMaxAgeDays int
	decayCategories []string
	decayAudit      bool
	reinforceFactor float64

	previewWeight      float64
	previewIdleDays    float64
	previewCategory    string
	previewAccessCount int

	decayCmd = &cobra.Command{
		Use:   "decay",
		Short: "Apply, preview and reinforce record weight decay",
	}

	decayRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one decay batch and print the report",
		Long:  longDecayRun,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Decay().ApplyDecayBatch(cmd.Context(), decay.BatchOptions{
				BatchSize:  decayBatchSize,
				MaxAgeDays: decayMaxAgeDays,
				Categories: decayCategories,
			})
			if report == nil {
				return err
			}
			if !decayAudit {
				report.Entries = nil
			}
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}

	decayReinforceCmd = &cobra.Command{
		Use:   "reinforce <record-id>",
		Short: "Reinforce a record and print its new weight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return core.NewMemoryError("reinforce", core.ErrInvalidInput)
			}

			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			weight, err := s.Decay().Reinforce(cmd.Context(), id, reinforceFactor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "weight": weight})
		},
	}

	decayPreviewCmd = &cobra.Command{
		Use:   "preview",
		Short: "Compute a decayed weight without touching the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configSource().Load()
			if err != nil {
				return err
			}
			idle := time.Duration(previewIdleDays * float64(24*time.Hour))
			weight := decay.Decay(previewWeight, idle, cfg.Decay.For(previewCategory), previewAccessCount)
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"category":     previewCategory,
				"weight":       previewWeight,
				"idle_days":    previewIdleDays,
				"access_count": previewAccessCount,
				"decayed":      weight,
			})
		},
	}
)

func init() {
	decayRunCmd.Flags().IntVar(&decayBatchSize, "batch-size", 0, "records to process (default: decay.batch_size)")
	decayRunCmd.Flags().IntVar(&decayMaxAgeDays, "max-age-days", 0, "only records accessed within this many days")
	decayRunCmd.Flags().StringSliceVar(&decayCategories, "category", nil, "restrict to these categories")
	decayRunCmd.Flags().BoolVar(&decayAudit, "audit", false, "include per-record audit entries")

	decayReinforceCmd.Flags().Float64Var(&reinforceFactor, "strength", 1.0, "reinforcement strength")

	decayPreviewCmd.Flags().Float64Var(&previewWeight, "weight", 1.0, "current weight")
	decayPreviewCmd.Flags().Float64Var(&previewIdleDays, "idle-days", 7, "days since last access")
	decayPreviewCmd.Flags().StringVar(&previewCategory, "category", core.CategoryDefault, "record category")
	decayPreviewCmd.Flags().IntVar(&previewAccessCount, "access-count", 0, "recorded accesses")

	decayCmd.AddCommand(decayRunCmd, decayReinforceCmd, decayPreviewCmd)
	rootCmd.AddCommand(decayCmd)
}

var longDecayRun = `
Run one decay batch over the least recently accessed records.

Examples:
  # Decay up to 1000 episodic records and print the per-record audit.
  powermem-substrate decay run --batch-size 1000 --category episodic --audit
`
