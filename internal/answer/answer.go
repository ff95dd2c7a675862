// Package answer turns retrieved context into an Answer. The strategy is
// fixed at construction: Generative when a text generator is available,
// Fallback otherwise. Generative answers fall back on any backend failure,
// so Answer never returns an error.
package answer

import (
	"context"
	"math"
	"time"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/report"
	"github.com/seanblong/codeqa/pkg/models"
)

const (
	// FallbackConfidence is reported for every non-AI answer.
	FallbackConfidence = 0.3
	// MaxConfidence caps AI answers.
	MaxConfidence = 0.95

	refusalFactor   = 0.6
	baseConfidence  = 0.35
	coverageWeight  = 0.6
	coverageScale   = 1.5
	defaultTimeout  = 30 * time.Second
	maxPromptDigest = 2000
)

// Request carries everything an answer may draw on. Artifact is nil when
// no artifact is known. Degraded is set when retrieval failed.
type Request struct {
	Question  string
	Retrieval models.RetrievalResult
	Artifact  *models.AnalysisArtifact
	Degraded  bool
}

type Synthesizer interface {
	Answer(ctx context.Context, req Request) models.Answer
}

type Options struct {
	// Timeout bounds a single generation call.
	Timeout time.Duration
}

// New selects the strategy once: gen == nil means fallback only.
func New(gen ai.Generator, opts Options) Synthesizer {
	if gen == nil {
		return NewFallback()
	}
	return NewGenerative(gen, opts)
}

// Confidence scores an AI answer. It grows with the summed similarity of
// the supporting chunks, so adding a chunk never lowers it. Refusals are
// scaled down.
func Confidence(direct bool, chunks []models.ScoredChunk) float64 {
	var mass float64
	for _, c := range chunks {
		if c.Score > 0 {
			mass += c.Score
		}
	}
	coverage := 1 - math.Exp(-mass/coverageScale)
	conf := baseConfidence + coverageWeight*coverage
	if !direct {
		conf *= refusalFactor
	}
	conf = math.Min(conf, MaxConfidence)
	return math.Round(conf*100) / 100
}

// Sources lists exactly the chunks that made it into the context.
func Sources(r models.RetrievalResult) []models.SourceRef {
	out := make([]models.SourceRef, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		out = append(out, models.SourceRef{
			ChunkID:  c.Chunk.ID,
			FilePath: c.Chunk.Metadata.FilePath,
			Type:     c.Chunk.Type,
			Score:    math.Round(c.Score*1000) / 1000,
		})
	}
	return out
}

// SummaryOf returns the artifact's summary, computing it when absent.
func SummaryOf(a *models.AnalysisArtifact) models.Summary {
	if !report.IsZero(a.Summary) {
		return a.Summary
	}
	return report.BuildSummary(a.Issues, a.FileMetrics, a.Source)
}

func artifactID(a *models.AnalysisArtifact) string {
	if a == nil {
		return ""
	}
	return a.ID
}
