package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a transform run",
}

var triggerCollectionCmd = &cobra.Command{
	Use:   "collection <transform-id>",
	Short: "Extract and chunk a collection's files into dataset items",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerCollection,
}

var triggerDatasetCmd = &cobra.Command{
	Use:   "dataset <transform-id>",
	Short: "Embed a dataset's items, fanning out one embedded dataset per embedder",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerDataset,
}

var triggerVisualizationCmd = &cobra.Command{
	Use:     "visualization <transform-id>",
	Aliases: []string{"viz"},
	Short:   "Reduce and cluster an embedded dataset",
	Args:    cobra.ExactArgs(1),
	RunE:    runTriggerVisualization,
}

func init() {
	triggerCmd.AddCommand(triggerCollectionCmd)
	triggerCmd.AddCommand(triggerDatasetCmd)
	triggerCmd.AddCommand(triggerVisualizationCmd)
	rootCmd.AddCommand(triggerCmd)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid transform id %q", arg)
	}
	return id, nil
}

func runTriggerCollection(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	files, err := coord.TriggerCollection(context.Background(), id)
	if err != nil {
		return fmt.Errorf("trigger collection transform: %w", err)
	}
	fmt.Printf("Queued %d files for collection transform %d\n", files, id)
	return nil
}

func runTriggerDataset(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	batches, err := coord.TriggerDataset(context.Background(), id)
	if err != nil {
		return fmt.Errorf("trigger dataset transform: %w", err)
	}
	fmt.Printf("Queued %d batches for dataset transform %d\n", batches, id)
	return nil
}

func runTriggerVisualization(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	vizID, err := coord.TriggerVisualization(context.Background(), id)
	if err != nil {
		return fmt.Errorf("trigger visualization transform: %w", err)
	}
	fmt.Printf("Created visualization %d for transform %d\n", vizID, id)
	return nil
}
