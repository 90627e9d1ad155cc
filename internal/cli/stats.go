package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/worker"
)

var statsGeneration int

var statsCmd = &cobra.Command{
	Use:   "stats <collection|dataset> <transform-id>",
	Short: "Show per-unit progress counters for a transform run",
	Long: `Show processed/succeeded/failed counters derived from the per-unit
outcome records of a transform run. Defaults to the transform's current
generation; pass --generation to inspect an earlier run.`,
	Args: cobra.ExactArgs(2),
	RunE: runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsGeneration, "generation", 0, "run generation (default: current)")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id, err := parseID(args[1])
	if err != nil {
		return err
	}

	var (
		kind       models.TransformKind
		generation = statsGeneration
		runStatus  models.RunStatus
		lastError  string
	)
	switch args[0] {
	case "collection":
		kind = models.KindCollection
		t, err := st.GetCollectionTransform(ctx, id)
		if err != nil {
			return err
		}
		if generation == 0 {
			generation = t.Generation
		}
		runStatus, lastError = t.LastRunStatus, t.LastError
	case "dataset":
		kind = models.KindDataset
		t, err := st.GetDatasetTransform(ctx, id)
		if err != nil {
			return err
		}
		if generation == 0 {
			generation = t.Generation
		}
		runStatus, lastError = t.LastRunStatus, t.LastError
	default:
		return fmt.Errorf("unknown transform kind %q (want collection or dataset)", args[0])
	}

	outcomes, err := st.ListOutcomes(ctx, kind, id, generation)
	if err != nil {
		return fmt.Errorf("list outcomes: %w", err)
	}
	stats := worker.Tally(outcomes)

	fmt.Printf("%s transform %d, generation %d\n", args[0], id, generation)
	fmt.Printf("  run status:    %s\n", runStatus)
	if lastError != "" {
		fmt.Printf("  last error:    %s\n", lastError)
	}
	fmt.Printf("  units total:   %d\n", len(outcomes))
	fmt.Printf("  processed:     %d\n", stats.Processed)
	fmt.Printf("  succeeded:     %d\n", stats.Succeeded)
	fmt.Printf("  failed:        %d\n", stats.Failed)
	fmt.Printf("  items created: %d\n", stats.ItemsCreated)

	if stats.Failed > 0 {
		fmt.Println("\nFailed units:")
		for _, o := range outcomes {
			if o.Status == models.UnitFailed {
				fmt.Printf("  %-50s %s\n", o.UnitKey, o.Error)
			}
		}
	}
	return nil
}
