// Package retriever embeds a question, searches the vector index and packs
// the best matching chunks into a bounded context string.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/codeqa/pkg/models"
)

// ErrRetrievalDegraded means the query could not be embedded or searched.
// Callers answer without retrieved context.
var ErrRetrievalDegraded = errors.New("retrieval degraded")

// ContextSeparator joins chunk texts in the assembled context.
const ContextSeparator = "\n\n"

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Search(query []float32, k int, filter models.Filter) ([]models.ScoredChunk, error)
	Len() int
}

type Options struct {
	DefaultK        int
	MaxContextChars int
	SimilarityFloor float64
	EmbedTimeout    time.Duration
	CacheSize       int
}

func (o *Options) setDefaults() {
	if o.DefaultK <= 0 {
		o.DefaultK = 5
	}
	if o.MaxContextChars <= 0 {
		o.MaxContextChars = 4000
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 15 * time.Second
	}
}

type Retriever struct {
	embedder Embedder
	index    Searcher
	opts     Options
	cache    *lru.Cache[string, []float32]
}

// New returns a Retriever. A CacheSize of zero disables the query
// embedding cache.
func New(embedder Embedder, index Searcher, opts Options) *Retriever {
	opts.setDefaults()
	r := &Retriever{embedder: embedder, index: index, opts: opts}
	if opts.CacheSize > 0 {
		// only fails for a non-positive size
		r.cache, _ = lru.New[string, []float32](opts.CacheSize)
	}
	return r
}

func (r *Retriever) Options() Options { return r.opts }

// Retrieve returns at most k chunks whose texts fit together in maxChars
// bytes. Non-positive k and maxChars use the configured defaults. An empty
// index, or one with nothing above the similarity floor, yields an empty
// result and no error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k, maxChars int, filter models.Filter) (models.RetrievalResult, error) {
	if k <= 0 {
		k = r.opts.DefaultK
	}
	if maxChars <= 0 {
		maxChars = r.opts.MaxContextChars
	}
	if r.index.Len() == 0 {
		return models.RetrievalResult{}, nil
	}

	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return models.RetrievalResult{}, fmt.Errorf("%w: %w", ErrRetrievalDegraded, err)
	}
	hits, err := r.index.Search(vec, k, filter)
	if err != nil {
		return models.RetrievalResult{}, fmt.Errorf("%w: %w", ErrRetrievalDegraded, err)
	}

	res := assemble(dedupe(aboveFloor(hits, r.opts.SimilarityFloor)), maxChars)
	log.Debug().
		Int("candidates", len(hits)).
		Int("chunks", len(res.Chunks)).
		Int("context_chars", len(res.Context)).
		Bool("truncated", res.Truncated).
		Msg("retrieved context")
	return res, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := cacheKey(query)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.EmbedTimeout)
	defer cancel()
	v, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(key, v)
	}
	return v, nil
}

func cacheKey(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func aboveFloor(hits []models.ScoredChunk, floor float64) []models.ScoredChunk {
	out := hits[:0:0]
	for _, h := range hits {
		if h.Score >= floor {
			out = append(out, h)
		}
	}
	return out
}

// dedupe keeps the best scoring chunk per (file path, category, type).
// Chunks without a file path are never merged.
func dedupe(hits []models.ScoredChunk) []models.ScoredChunk {
	type key struct {
		path     string
		category models.Category
		typ      models.SourceType
	}
	seen := make(map[key]bool, len(hits))
	out := make([]models.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		if p := h.Chunk.Metadata.FilePath; p != "" {
			k := key{p, h.Chunk.Metadata.Category, h.Chunk.Type}
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		out = append(out, h)
	}
	return out
}

// assemble appends chunk texts in rank order and stops at the first one that
// would push the context past maxChars.
func assemble(hits []models.ScoredChunk, maxChars int) models.RetrievalResult {
	var (
		res models.RetrievalResult
		b   strings.Builder
	)
	for _, h := range hits {
		need := len(h.Chunk.Content)
		if b.Len() > 0 {
			need += len(ContextSeparator)
		}
		if b.Len()+need > maxChars {
			res.Truncated = true
			break
		}
		if b.Len() > 0 {
			b.WriteString(ContextSeparator)
		}
		b.WriteString(h.Chunk.Content)
		res.Chunks = append(res.Chunks, h)
	}
	res.Context = b.String()
	return res
}
