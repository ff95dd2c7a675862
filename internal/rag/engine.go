// Package rag ties the document builder, vector index, retriever and answer
// synthesizer together behind the two external operations: Index and Ask.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/answer"
	"github.com/seanblong/codeqa/internal/document"
	"github.com/seanblong/codeqa/internal/report"
	"github.com/seanblong/codeqa/internal/retriever"
	"github.com/seanblong/codeqa/internal/store"
	"github.com/seanblong/codeqa/internal/vectorindex"
	"github.com/seanblong/codeqa/pkg/models"
)

var (
	ErrInvalidQuestion = errors.New("question must not be empty")
	ErrInvalidArtifact = errors.New("invalid artifact")
)

// EmptyIndexMessage answers every question while nothing is indexed.
const EmptyIndexMessage = "No code analysis has been indexed yet. Run an analysis and index its results, then ask again."

// Dependencies are owned by the engine once passed to New; Close releases
// them. Generator may be nil, which selects fallback answering. Backend
// may be nil for a memory-only index.
type Dependencies struct {
	Embedder  ai.Client
	Generator ai.Generator
	Index     *vectorindex.Index
	Backend   store.Backend
}

type Options struct {
	TopK              int
	MaxContextChars   int
	SimilarityFloor   float64
	EmbedTimeout      time.Duration
	AnswerTimeout     time.Duration
	EmbedBatchSize    int
	EmbedParallel     int
	QueryCacheSize    int
	ArtifactCacheSize int
}

func (o *Options) setDefaults() {
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 15 * time.Second
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 32
	}
	if o.EmbedParallel <= 0 {
		o.EmbedParallel = 4
	}
	if o.ArtifactCacheSize <= 0 {
		o.ArtifactCacheSize = 64
	}
}

type Stats struct {
	Chunks    int               `json:"chunks"`
	Artifacts int               `json:"artifacts"`
	Dim       int               `json:"dim"`
	Mode      models.AnswerMode `json:"mode"`
}

// Engine is safe for concurrent use. Index and Remove calls for the same
// artifact id are serialised; everything else runs concurrently.
type Engine struct {
	embedder  ai.Client
	index     *vectorindex.Index
	backend   store.Backend
	retriever *retriever.Retriever
	synth     answer.Synthesizer
	mode      models.AnswerMode
	opts      Options

	locks *keyLock
	// artifacts keeps recently indexed artifacts for summaries; the newest
	// entry is the default when Ask gets no artifact id. It is seeded from
	// the records stored in the index.
	artifacts *lru.Cache[string, *models.AnalysisArtifact]
}

func New(deps Dependencies, opts Options) (*Engine, error) {
	if deps.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if deps.Index == nil {
		return nil, errors.New("index is required")
	}
	opts.setDefaults()

	cache, err := lru.New[string, *models.AnalysisArtifact](opts.ArtifactCacheSize)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: %w", err)
	}

	mode := models.ModeFallback
	if deps.Generator != nil {
		mode = models.ModeAI
	}

	e := &Engine{
		embedder: deps.Embedder,
		index:    deps.Index,
		backend:  deps.Backend,
		retriever: retriever.New(deps.Embedder, deps.Index, retriever.Options{
			DefaultK:        opts.TopK,
			MaxContextChars: opts.MaxContextChars,
			SimilarityFloor: opts.SimilarityFloor,
			EmbedTimeout:    opts.EmbedTimeout,
			CacheSize:       opts.QueryCacheSize,
		}),
		synth:     answer.New(deps.Generator, answer.Options{Timeout: opts.AnswerTimeout}),
		mode:      mode,
		opts:      opts,
		locks:     newKeyLock(),
		artifacts: cache,
	}
	e.restoreArtifacts()
	return e, nil
}

// restoreArtifacts fills the registry from the index, oldest first, so the
// newest stored artifact becomes the default.
func (e *Engine) restoreArtifacts() {
	var restored []*models.AnalysisArtifact
	for _, id := range e.index.Artifacts() {
		if a := e.storedArtifact(id); a != nil {
			restored = append(restored, a)
		}
	}
	sort.SliceStable(restored, func(i, j int) bool {
		return restored[i].CreatedAt.Before(restored[j].CreatedAt)
	})
	for _, a := range restored {
		e.artifacts.Add(a.ID, a)
	}
	if len(restored) > 0 {
		log.Debug().Int("artifacts", len(restored)).Msg("artifact registry restored")
	}
}

// storedArtifact rebuilds an artifact from the record on its summary chunk.
func (e *Engine) storedArtifact(id string) *models.AnalysisArtifact {
	chunks := e.index.Chunks(id)
	for i := len(chunks) - 1; i >= 0; i-- {
		if rec := chunks[i].Artifact; rec != nil {
			return rec.AnalysisArtifact(id)
		}
	}
	return nil
}

// Index builds, embeds and stores the chunks of a, replacing any chunks
// previously indexed under the same id. It returns the number of chunks
// written. Re-indexing the same artifact leaves the index unchanged.
func (e *Engine) Index(ctx context.Context, a models.AnalysisArtifact) (int, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return 0, fmt.Errorf("%w: id is required", ErrInvalidArtifact)
	}
	unlock := e.locks.Lock(a.ID)
	defer unlock()

	start := time.Now()
	if report.IsZero(a.Summary) {
		a.Summary = report.BuildSummary(a.Issues, a.FileMetrics, a.Source)
	}

	chunks := document.Build(a)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	ectx, cancel := context.WithTimeout(ctx, e.embedBudget(len(texts)))
	vecs, err := ai.EmbedAll(ectx, e.embedder, texts, e.opts.EmbedBatchSize, e.opts.EmbedParallel)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("embed artifact %s: %w", a.ID, err)
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}

	if err := e.index.UpsertArtifact(ctx, a.ID, chunks); err != nil {
		return 0, err
	}
	e.artifacts.Add(a.ID, &a)

	log.Info().
		Str("artifact_id", a.ID).
		Int("chunks", len(chunks)).
		Int("issues", len(a.Issues)).
		Dur("dur", time.Since(start)).
		Msg("artifact indexed")
	return len(chunks), nil
}

// embedBudget scales the per-call embed timeout by the number of batch
// rounds EmbedAll needs for n texts.
func (e *Engine) embedBudget(n int) time.Duration {
	batches := (n + e.opts.EmbedBatchSize - 1) / e.opts.EmbedBatchSize
	rounds := (batches + e.opts.EmbedParallel - 1) / e.opts.EmbedParallel
	if rounds < 1 {
		rounds = 1
	}
	return time.Duration(rounds) * e.opts.EmbedTimeout
}

// Remove drops every chunk of the artifact. Removing an unknown id is not
// an error.
func (e *Engine) Remove(ctx context.Context, artifactID string) error {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidArtifact)
	}
	unlock := e.locks.Lock(artifactID)
	defer unlock()

	if err := e.index.RemoveArtifact(ctx, artifactID); err != nil {
		return err
	}
	e.artifacts.Remove(artifactID)
	log.Info().Str("artifact_id", artifactID).Msg("artifact removed")
	return nil
}

// Ask answers question from the indexed findings. When artifactID is set,
// retrieval is restricted to that artifact. Only an empty question is an
// error; backend failures are reflected in the answer's mode and
// confidence.
func (e *Engine) Ask(ctx context.Context, question, artifactID string) (models.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Answer{}, ErrInvalidQuestion
	}
	artifactID = strings.TrimSpace(artifactID)
	start := time.Now()

	if e.index.Len() == 0 {
		return models.Answer{
			Text:       EmptyIndexMessage,
			Sources:    []models.SourceRef{},
			Confidence: answer.FallbackConfidence,
			Mode:       models.ModeFallback,
			ArtifactID: artifactID,
		}, nil
	}

	var filter models.Filter
	if artifactID != "" {
		filter = models.ForArtifact(artifactID)
	}

	degraded := false
	res, err := e.retriever.Retrieve(ctx, question, 0, 0, filter)
	if err != nil {
		log.Warn().Err(err).Str("artifact_id", artifactID).Msg("retrieval degraded")
		degraded = true
		res = models.RetrievalResult{}
	}

	art := e.artifact(artifactID)
	ans := e.synth.Answer(ctx, answer.Request{
		Question:  question,
		Retrieval: res,
		Artifact:  art,
		Degraded:  degraded,
	})
	if ans.ArtifactID == "" {
		ans.ArtifactID = artifactID
	}

	log.Info().
		Str("artifact_id", ans.ArtifactID).
		Str("mode", string(ans.Mode)).
		Int("chunks", len(res.Chunks)).
		Bool("truncated", res.Truncated).
		Float64("confidence", ans.Confidence).
		Dur("dur", time.Since(start)).
		Msg("question answered")
	return ans, nil
}

// artifact returns the named artifact, or the most recently indexed one
// when id is empty. Peek keeps recency tied to indexing, not asking.
// Artifacts evicted from the registry are rebuilt from the index.
func (e *Engine) artifact(id string) *models.AnalysisArtifact {
	if id != "" {
		if a, ok := e.artifacts.Peek(id); ok {
			return a
		}
		return e.storedArtifact(id)
	}
	keys := e.artifacts.Keys()
	if len(keys) == 0 {
		return nil
	}
	a, _ := e.artifacts.Peek(keys[len(keys)-1])
	return a
}

func (e *Engine) Stats() Stats {
	return Stats{
		Chunks:    e.index.Len(),
		Artifacts: len(e.index.Artifacts()),
		Dim:       e.index.Dim(),
		Mode:      e.mode,
	}
}

// Flush persists pending index writes.
func (e *Engine) Flush(ctx context.Context) error {
	return e.index.Flush(ctx)
}

// Close flushes the index and releases the persistence backend.
func (e *Engine) Close(ctx context.Context) error {
	err := e.index.Close(ctx)
	if e.backend != nil {
		e.backend.Close()
	}
	return err
}
