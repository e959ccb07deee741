package main

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powermem-substrate/pkg/cluster"
	"github.com/oceanbase/powermem-substrate/pkg/core"
)

var (
	autoMinSize     int
	autoMaxClusters int
	autoCategory    string

	similarThreshold float64
	similarLimit     int

	recommendLimit int

	clusterCmd = &cobra.Command{
		Use:   "cluster",
		Short: "Group records into semantic clusters",
	}

	clusterAutoCmd = &cobra.Command{
		Use:   "auto",
		Short: "Run an auto-clustering pass and print the report and statistics",
		Long:  longClusterAuto,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Clusters().AutoCluster(cmd.Context(), autoOptions())
			if err != nil {
				return err
			}
			stats, err := s.Clusters().Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"report":     report,
				"statistics": stats,
				"clusters":   clusterSummaries(s.Clusters().Clusters()),
			})
		},
	}

	clusterStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print cluster statistics after an auto-clustering pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.Clusters().AutoCluster(cmd.Context(), autoOptions()); err != nil {
				return err
			}
			stats, err := s.Clusters().Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	clusterSimilarCmd = &cobra.Command{
		Use:   "similar <record-id>",
		Short: "List records similar to a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}

			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			matches, err := s.Clusters().FindSimilar(cmd.Context(), id, similarThreshold, similarLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), matches)
		},
	}

	clusterRecommendCmd = &cobra.Command{
		Use:   "recommend <record-id>",
		Short: "Recommend clusters for a record after an auto-clustering pass",
		Long:  longClusterRecommend,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}

			s, err := openSubstrate()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.Clusters().AutoCluster(cmd.Context(), autoOptions()); err != nil {
				return err
			}
			recs, err := s.Clusters().RecommendClusters(cmd.Context(), id, recommendLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{clusterAutoCmd, clusterStatsCmd, clusterRecommendCmd} {
		c.Flags().IntVar(&autoMinSize, "min-size", 0, "smallest cluster kept (default 2)")
		c.Flags().IntVar(&autoMaxClusters, "max-clusters", 0, "stop merging once this many clusters remain (default 10)")
		c.Flags().StringVar(&autoCategory, "category", "", "only cluster records of this category")
	}

	clusterSimilarCmd.Flags().Float64Var(&similarThreshold, "threshold", 0.75, "minimum cosine similarity")
	clusterSimilarCmd.Flags().IntVar(&similarLimit, "limit", 10, "maximum results")

	clusterRecommendCmd.Flags().IntVar(&recommendLimit, "limit", 3, "maximum recommendations")

	clusterCmd.AddCommand(clusterAutoCmd, clusterStatsCmd, clusterSimilarCmd, clusterRecommendCmd)
	rootCmd.AddCommand(clusterCmd)
}

func autoOptions() cluster.AutoOptions {
	return cluster.AutoOptions{
		MinClusterSize: autoMinSize,
		MaxClusters:    autoMaxClusters,
		Category:       autoCategory,
	}
}

func parseRecordID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, core.NewMemoryError("parseRecordID", core.ErrInvalidInput)
	}
	return id, nil
}

type clusterSummary struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Category      string  `json:"category,omitempty"`
	Size          int     `json:"size"`
	AverageSafety float64 `json:"average_safety"`
	Members       []int64 `json:"members"`
}

func clusterSummaries(clusters []cluster.Cluster) []clusterSummary {
	out := make([]clusterSummary, 0, len(clusters))
	for i := range clusters {
		c := &clusters[i]
		members := make([]int64, 0, len(c.Members))
		for id := range c.Members {
			members = append(members, id)
		}
		sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
		out = append(out, clusterSummary{
			ID:            c.ID,
			Name:          c.Name,
			Type:          string(c.Type),
			Category:      c.Category,
			Size:          c.Size(),
			AverageSafety: c.AverageSafety(),
			Members:       members,
		})
	}
	return out
}

var longClusterAuto = `
Cluster the safe, embedded records of the store and print the pass report,
cluster statistics and the resulting clusters.

Examples:
  # Merge semantic records down to five groups, keeping groups of three or more.
  powermem-substrate cluster auto --category semantic --min-size 3 --max-clusters 5
`

var longClusterRecommend = `
Clusters live in memory, so recommend first runs an auto-clustering pass with
the given options and then ranks the resulting clusters for the record.
`
