// Package vectorindex holds embedded chunks in memory and answers cosine
// similarity queries over them.
//
// Readers work on an immutable snapshot and never block. Writers build a
// complete replacement snapshot under a mutex and publish it with a single
// atomic store, so a reader sees either all of an artifact's old chunks or
// all of its new ones.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/codeqa/pkg/models"
)

var (
	ErrIndexWrite        = errors.New("index write failed")
	ErrIndexLoad         = errors.New("index load failed")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrClosed            = errors.New("index closed")
)

// Persister stores and restores the full chunk set.
type Persister interface {
	Save(ctx context.Context, chunks []models.IndexedChunk) error
	Load(ctx context.Context) ([]models.IndexedChunk, error)
}

// ArtifactPersister is implemented by backends that can replace or delete a
// single artifact's chunks without rewriting everything.
type ArtifactPersister interface {
	ReplaceArtifact(ctx context.Context, artifactID string, chunks []models.IndexedChunk) error
	DeleteArtifact(ctx context.Context, artifactID string) error
}

// Options configure an Index. Dim 0 adopts the dimension of the first
// chunks written or loaded. With WriteThrough every write is persisted
// before it becomes visible; otherwise writes are persisted by Flush.
type Options struct {
	Dim          int
	Persister    Persister
	WriteThrough bool
}

type snapshot struct {
	dim        int
	byArtifact map[string][]models.IndexedChunk
	size       int
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		dim:        s.dim,
		byArtifact: make(map[string][]models.IndexedChunk, len(s.byArtifact)+1),
		size:       s.size,
	}
	for id, cs := range s.byArtifact {
		next.byArtifact[id] = cs
	}
	return next
}

func (s *snapshot) all() []models.IndexedChunk {
	ids := make([]string, 0, len(s.byArtifact))
	for id := range s.byArtifact {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.IndexedChunk, 0, s.size)
	for _, id := range ids {
		out = append(out, s.byArtifact[id]...)
	}
	return out
}

// Index is safe for concurrent use.
type Index struct {
	opts Options
	snap atomic.Pointer[snapshot]

	mu     sync.Mutex // serialises writers
	dirty  bool
	closed bool
}

// New returns an empty index. Call Load to restore persisted state.
func New(opts Options) *Index {
	ix := &Index{opts: opts}
	ix.snap.Store(&snapshot{dim: opts.Dim, byArtifact: map[string][]models.IndexedChunk{}})
	return ix
}

// Load replaces the in-memory state with the persisted chunk set. On error
// the index keeps its current (initially empty) state and the error wraps
// ErrIndexLoad.
func (ix *Index) Load(ctx context.Context) error {
	if ix.opts.Persister == nil {
		return nil
	}
	chunks, err := ix.opts.Persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexLoad, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	next := &snapshot{dim: ix.snap.Load().dim, byArtifact: map[string][]models.IndexedChunk{}}
	for _, c := range chunks {
		if next.dim == 0 {
			next.dim = len(c.Embedding)
		}
		if len(c.Embedding) != next.dim {
			return fmt.Errorf("%w: %w: chunk %s has %d values, want %d",
				ErrIndexLoad, ErrDimensionMismatch, c.ID, len(c.Embedding), next.dim)
		}
		c.Embedding = normalize(c.Embedding)
		next.byArtifact[c.ArtifactID] = append(next.byArtifact[c.ArtifactID], c)
		next.size++
	}
	ix.snap.Store(next)
	ix.dirty = false
	log.Info().Int("chunks", next.size).Int("artifacts", len(next.byArtifact)).Msg("vector index loaded")
	return nil
}

// UpsertArtifact replaces every chunk of artifactID with chunks. Each chunk
// must carry an embedding of the index dimension.
func (ix *Index) UpsertArtifact(ctx context.Context, artifactID string, chunks []models.IndexedChunk) error {
	if artifactID == "" {
		return fmt.Errorf("%w: empty artifact id", ErrIndexWrite)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return fmt.Errorf("%w: %w", ErrIndexWrite, ErrClosed)
	}

	cur := ix.snap.Load()
	dim := cur.dim
	prepared := make([]models.IndexedChunk, len(chunks))
	for i, c := range chunks {
		if dim == 0 {
			dim = len(c.Embedding)
		}
		if len(c.Embedding) == 0 || len(c.Embedding) != dim {
			return fmt.Errorf("%w: %w: chunk %s has %d values, want %d",
				ErrIndexWrite, ErrDimensionMismatch, c.ID, len(c.Embedding), dim)
		}
		c.ArtifactID = artifactID
		c.Embedding = normalize(c.Embedding)
		prepared[i] = c
	}

	next := cur.clone()
	next.dim = dim
	next.size += len(prepared) - len(cur.byArtifact[artifactID])
	if len(prepared) == 0 {
		delete(next.byArtifact, artifactID)
	} else {
		next.byArtifact[artifactID] = prepared
	}

	if err := ix.persist(ctx, next, artifactID, prepared); err != nil {
		return err
	}
	ix.snap.Store(next)
	log.Debug().Str("artifact_id", artifactID).Int("chunks", len(prepared)).Msg("artifact upserted")
	return nil
}

// RemoveArtifact drops every chunk of artifactID. Removing an unknown
// artifact is a no-op.
func (ix *Index) RemoveArtifact(ctx context.Context, artifactID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return fmt.Errorf("%w: %w", ErrIndexWrite, ErrClosed)
	}

	cur := ix.snap.Load()
	old, ok := cur.byArtifact[artifactID]
	if !ok {
		return nil
	}
	next := cur.clone()
	delete(next.byArtifact, artifactID)
	next.size -= len(old)

	if err := ix.persist(ctx, next, artifactID, nil); err != nil {
		return err
	}
	ix.snap.Store(next)
	log.Debug().Str("artifact_id", artifactID).Int("chunks", len(old)).Msg("artifact removed")
	return nil
}

// persist runs with ix.mu held, before next is published.
func (ix *Index) persist(ctx context.Context, next *snapshot, artifactID string, chunks []models.IndexedChunk) error {
	p := ix.opts.Persister
	if p == nil {
		return nil
	}
	if !ix.opts.WriteThrough {
		ix.dirty = true
		return nil
	}

	var err error
	if ap, ok := p.(ArtifactPersister); ok {
		if len(chunks) == 0 {
			err = ap.DeleteArtifact(ctx, artifactID)
		} else {
			err = ap.ReplaceArtifact(ctx, artifactID, chunks)
		}
	} else {
		err = p.Save(ctx, next.all())
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexWrite, err)
	}
	return nil
}

// Search returns up to k chunks accepted by filter, by descending cosine
// similarity to query. Equal scores are ordered by chunk id.
func (ix *Index) Search(query []float32, k int, filter models.Filter) ([]models.ScoredChunk, error) {
	s := ix.snap.Load()
	if k <= 0 || s.size == 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d values, index has %d", ErrDimensionMismatch, len(query), s.dim)
	}
	q := normalize(query)

	hits := make([]models.ScoredChunk, 0, s.size)
	for _, cs := range s.byArtifact {
		for i := range cs {
			if !filter.Match(&cs[i]) {
				continue
			}
			hits = append(hits, models.ScoredChunk{Chunk: cs[i], Score: dot(q, cs[i].Embedding)})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return ix.snap.Load().size }

// Dim returns the embedding dimension, 0 until known.
func (ix *Index) Dim() int { return ix.snap.Load().dim }

// Artifacts returns the indexed artifact ids in ascending order.
func (ix *Index) Artifacts() []string {
	s := ix.snap.Load()
	ids := make([]string, 0, len(s.byArtifact))
	for id := range s.byArtifact {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chunks returns a copy of the chunks stored for artifactID.
func (ix *Index) Chunks(artifactID string) []models.IndexedChunk {
	cs := ix.snap.Load().byArtifact[artifactID]
	if len(cs) == 0 {
		return nil
	}
	out := make([]models.IndexedChunk, len(cs))
	copy(out, cs)
	return out
}

// Flush saves the full chunk set if anything changed since the last save.
func (ix *Index) Flush(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flushLocked(ctx)
}

func (ix *Index) flushLocked(ctx context.Context) error {
	if ix.opts.Persister == nil || !ix.dirty {
		return nil
	}
	s := ix.snap.Load()
	if err := ix.opts.Persister.Save(ctx, s.all()); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexWrite, err)
	}
	ix.dirty = false
	log.Info().Int("chunks", s.size).Msg("vector index flushed")
	return nil
}

// Close flushes pending writes and rejects further writes. Searches keep
// working against the last snapshot.
func (ix *Index) Close(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	return ix.flushLocked(ctx)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
