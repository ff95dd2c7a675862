package models

import "time"

// SourceType tags what an indexed chunk was built from.
type SourceType string

const (
	SourceIssue      SourceType = "issue"
	SourceFileMetric SourceType = "file_metric"
	SourceSummary    SourceType = "summary"
)

// ChunkMetadata is used for filtering and attribution. Category and Severity
// are empty for chunks not built from an issue.
type ChunkMetadata struct {
	Category Category `json:"category,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	FilePath string   `json:"file_path,omitempty"`
	Language string   `json:"language,omitempty"`
}

// IndexedChunk is a unit of retrievable text.
type IndexedChunk struct {
	ID         string        `json:"id"`
	ArtifactID string        `json:"artifact_id"`
	Type       SourceType    `json:"type"`
	Content    string        `json:"content"`
	Metadata   ChunkMetadata `json:"metadata"`
	Embedding  []float32     `json:"embedding,omitempty"`
	// Artifact is set on summary chunks only, so the artifact's numbers
	// survive a reload of the index.
	Artifact *ArtifactRecord `json:"artifact,omitempty"`
}

// ArtifactRecord is the part of an AnalysisArtifact kept with its chunks.
type ArtifactRecord struct {
	Source    SourceInfo `json:"source"`
	Summary   Summary    `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
}

// AnalysisArtifact rebuilds an artifact without issues or file metrics.
func (r *ArtifactRecord) AnalysisArtifact(id string) *AnalysisArtifact {
	return &AnalysisArtifact{ID: id, Source: r.Source, Summary: r.Summary, CreatedAt: r.CreatedAt}
}

type ScoredChunk struct {
	Chunk IndexedChunk `json:"chunk"`
	Score float64      `json:"score"`
}

// RetrievalResult holds the chunks that made it into Context, in rank order.
type RetrievalResult struct {
	Chunks    []ScoredChunk `json:"chunks"`
	Context   string        `json:"context"`
	Truncated bool          `json:"truncated"`
}

// Empty reports whether no chunk was retrieved.
func (r RetrievalResult) Empty() bool { return len(r.Chunks) == 0 }

type AnswerMode string

const (
	ModeAI       AnswerMode = "ai"
	ModeFallback AnswerMode = "fallback"
)

type SourceRef struct {
	ChunkID  string     `json:"chunk_id"`
	FilePath string     `json:"file_path,omitempty"`
	Type     SourceType `json:"type"`
	Score    float64    `json:"score"`
}

type Answer struct {
	Text       string      `json:"answer"`
	Sources    []SourceRef `json:"sources"`
	Confidence float64     `json:"confidence"`
	Mode       AnswerMode  `json:"mode"`
	ArtifactID string      `json:"artifact_id,omitempty"`
}
