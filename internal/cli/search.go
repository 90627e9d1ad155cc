package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/vectorstore"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <embedded-dataset-id> <query>",
	Short: "Semantic search over an embedded dataset",
	Long: `Embed a query with the embedder that produced the dataset and search
its vector collection. Standalone embedded datasets have no bound
embedder and cannot be searched this way.`,
	Args: cobra.ExactArgs(2),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	query := args[1]

	ds, err := st.GetEmbeddedDataset(ctx, id)
	if err != nil {
		return err
	}
	if ds.IsStandalone() {
		return fmt.Errorf("embedded dataset %d is standalone; its vectors were pushed externally and there is no embedder to encode the query with", id)
	}

	emb, err := st.GetEmbedder(ctx, ds.Origin.EmbedderID)
	if err != nil {
		return err
	}
	client, err := embed.New(emb.Config)
	if err != nil {
		return fmt.Errorf("init embedder %s: %w", emb.Name, err)
	}
	vectors, err := client.Embed(ctx, []string{query})
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	vs := vectorstore.NewQdrant(vectorstore.QdrantConfig{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey})
	hits, err := vs.Search(ctx, ds.CollectionName, vectors[0], searchLimit)
	if err != nil {
		return fmt.Errorf("search %s: %w", ds.CollectionName, err)
	}

	if len(hits) == 0 {
		fmt.Println("No results")
		return nil
	}
	for i, hit := range hits {
		title, _ := hit.Payload["title"].(string)
		text, _ := hit.Payload["text"].(string)
		if len(text) > 160 {
			text = text[:160] + "..."
		}
		fmt.Printf("%2d. [%.4f] %s\n    %s\n", i+1, hit.Score, title, text)
	}
	return nil
}
