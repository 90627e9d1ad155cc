package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/store"
)

var applyCmd = &cobra.Command{
	Use:   "apply <transform-id> <config.yaml>",
	Short: "Update a collection transform's extraction/chunking config",
	Long: `Apply a YAML job config to a collection transform. Configs are
validated before they are stored; fields that affect chunk shape
(strategy, chunk size, overlap) are immutable once the transform has
completed a run.

Example config:

  extraction:
    strategy: structure_preserving
    extract_tables: true
    table_format: markdown
  chunking:
    strategy: recursive_character
    chunk_size: 1200
    chunk_overlap: 100
    min_chunk_size: 80`,
	Args: cobra.ExactArgs(2),
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var jobCfg models.JobConfig
	if err := yaml.Unmarshal(data, &jobCfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := jobCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	err = st.UpdateCollectionTransformConfig(context.Background(), id, jobCfg)
	if errors.Is(err, store.ErrShapeLocked) {
		return fmt.Errorf("transform %d already completed a run; chunk-shape fields are locked. Create a new transform to change them", id)
	}
	if err != nil {
		return fmt.Errorf("update transform config: %w", err)
	}
	fmt.Printf("Updated config for collection transform %d\n", id)
	return nil
}
