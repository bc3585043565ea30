package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/futlize/vectordb/internal/distance"
	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/search"
	"github.com/futlize/vectordb/internal/storage"
)

const (
	demoDimensions = 3
	demoEntries    = 100
)

func newDemoCmd() *cobra.Command {
	var (
		dataDir string
		seed    uint64
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an embedded index demo without a server",
		Long: `Open an embedded registry, create a 3-dimensional cosine index named "test",
store 100 random entries, search for the entry closest to a random query,
then delete the index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := dataDir
			if dir == "" {
				tmp, err := os.MkdirTemp("", "vectordb-demo-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				dir = tmp
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), dir, seed)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the embedded registry (default: a temporary directory)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one from the clock)")
	return cmd
}

func runDemo(ctx context.Context, w io.Writer, dataDir string, seed uint64) (err error) {
	reg, err := registry.Open(registry.Config{DataDir: dataDir})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := reg.Close(); err == nil {
			err = closeErr
		}
	}()

	idx, err := reg.CreateIndex(ctx, registry.IndexSpec{
		Name:         "test",
		Dimensions:   demoDimensions,
		Similarity:   distance.Cosine,
		Optimization: search.None,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for id := uint64(1); id <= demoEntries; id++ {
		e := storage.Entry{ID: id, Embedding: randomEmbedding(rng)}
		if _, err := reg.CreateEntry(ctx, idx.ID, e); err != nil {
			return err
		}
	}

	res, err := reg.SearchEntries(ctx, idx.ID, search.Query{K: 1, Embedding: randomEmbedding(rng)})
	if err != nil {
		return err
	}
	if len(res.Matches) == 0 {
		return fmt.Errorf("search returned no matches")
	}
	best := res.Matches[0]
	fmt.Fprintf(w, "closest entry: id = %d, distance = %f\n", best.ID, best.Distance)

	return reg.DeleteIndex(ctx, idx.ID)
}

// randomEmbedding draws components from [0, 1), redrawing the all-zero vector.
func randomEmbedding(rng *rand.Rand) []float32 {
	for {
		v := make([]float32, demoDimensions)
		for i := range v {
			v[i] = rng.Float32()
		}
		if distance.Magnitude(v) > 0 {
			return v
		}
	}
}
