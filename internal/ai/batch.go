package ai

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EmbedAll embeds texts in batches of batchSize, running at most parallel
// batches at once. The result has the same length and order as texts.
func EmbedAll(ctx context.Context, c Client, texts []string, batchSize, parallel int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	if parallel <= 0 {
		parallel = 1
	}
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for start := 0; start < len(texts); start += batchSize {
		start := start
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			vecs, err := c.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return embedErr(err)
			}
			if len(vecs) != end-start {
				return embedErr(fmt.Errorf("batch %d-%d: got %d vectors", start, end, len(vecs)))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
