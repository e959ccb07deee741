package main

import (
	"github.com/spf13/cobra"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

var (
	recordCategory string
	vectorType     string
	vectorLanguage string

	recordAddCmd = &cobra.Command{
		Use:   "add <content>",
		Short: "Embed content and insert it as a new record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			r, err := s.AddRecord(cmd.Context(), args[0], recordCategory)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":           r.ID,
				"category":     r.Category,
				"weight":       r.Weight,
				"safety_score": r.SafetyScore,
				"dimensions":   len(r.Embedding),
			})
		},
	}

	vectorCmd = &cobra.Command{
		Use:   "vector <content>",
		Short: "Print the (cached) vector of content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.VectorFor(cmd.Context(), args[0], vectorType, vectorLanguage)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"vector":       res.Vector,
				"safety_score": res.SafetyScore,
				"content_hash": res.ContentHash,
				"dimensions":   res.Dimensions,
				"generated_at": res.GeneratedAt,
			})
		},
	}
)

func init() {
	recordAddCmd.Flags().StringVar(&recordCategory, "category", core.CategoryDefault, "record category")

	vectorCmd.Flags().StringVar(&vectorType, "type", "text", "content type label of the fingerprint")
	vectorCmd.Flags().StringVar(&vectorLanguage, "lang", "", "language label of the fingerprint")

	recordCmd := &cobra.Command{Use: "record", Short: "Manage memory records"}
	recordCmd.AddCommand(recordAddCmd)
	rootCmd.AddCommand(recordCmd, vectorCmd)
}
