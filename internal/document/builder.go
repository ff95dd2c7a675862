// Package document turns an analysis artifact into retrievable text chunks.
package document

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/codeqa/internal/report"
	"github.com/seanblong/codeqa/pkg/models"
)

const (
	// MaxChunkChars caps the byte length of every chunk text.
	MaxChunkChars = 2000
	// TruncationMarker terminates any text cut to fit MaxChunkChars.
	TruncationMarker = "\n[truncated]"
	// FunctionsPerChunk bounds how many function metrics one file chunk lists.
	FunctionsPerChunk = 20
)

// Build maps an artifact to chunks without embeddings. Order is stable:
// issues as given, file metrics by path, then one summary chunk.
func Build(a models.AnalysisArtifact) []models.IndexedChunk {
	out := make([]models.IndexedChunk, 0, len(a.Issues)+len(a.FileMetrics)+1)

	langByPath := make(map[string]string, len(a.FileMetrics))
	for _, m := range a.FileMetrics {
		langByPath[m.Path] = m.Language
	}

	for i, is := range a.Issues {
		out = append(out, models.IndexedChunk{
			ID:         ChunkID(a.ID, models.SourceIssue, fmt.Sprintf("%d:%s", i, is.ID)),
			ArtifactID: a.ID,
			Type:       models.SourceIssue,
			Content:    Truncate(issueText(is), MaxChunkChars),
			Metadata: models.ChunkMetadata{
				Category: is.Category,
				Severity: is.Severity,
				FilePath: is.FilePath,
				Language: langByPath[is.FilePath],
			},
		})
	}

	metrics := make([]models.FileMetric, len(a.FileMetrics))
	copy(metrics, a.FileMetrics)
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Path < metrics[j].Path })
	seen := make(map[string]int, len(metrics))
	for _, m := range metrics {
		// repeated paths keep distinct ids; the stable sort fixes their order
		base := m.Path
		if n := seen[m.Path]; n > 0 {
			base = fmt.Sprintf("%s@%d", m.Path, n+1)
		}
		seen[m.Path]++
		for part, text := range fileMetricTexts(m) {
			key := base
			if part > 0 {
				key = fmt.Sprintf("%s#%d", base, part+1)
			}
			out = append(out, models.IndexedChunk{
				ID:         ChunkID(a.ID, models.SourceFileMetric, key),
				ArtifactID: a.ID,
				Type:       models.SourceFileMetric,
				Content:    Truncate(text, MaxChunkChars),
				Metadata: models.ChunkMetadata{
					FilePath: m.Path,
					Language: m.Language,
				},
			})
		}
	}

	sum := a.Summary
	if report.IsZero(sum) {
		sum = report.BuildSummary(a.Issues, a.FileMetrics, a.Source)
	}
	out = append(out, models.IndexedChunk{
		ID:         ChunkID(a.ID, models.SourceSummary, "summary"),
		ArtifactID: a.ID,
		Type:       models.SourceSummary,
		Content:    Truncate(summaryText(a.Source, sum), MaxChunkChars),
		Artifact:   &models.ArtifactRecord{
			Source:    a.Source,
			Summary:   sum,
			CreatedAt: a.CreatedAt,
		},
	})
	return out
}

// ChunkID returns the SHA-1 hex of "artifactID#type#key".
func ChunkID(artifactID string, t models.SourceType, key string) string {
	h := sha1.Sum([]byte(artifactID + "#" + string(t) + "#" + key))
	return hex.EncodeToString(h[:])
}

// Truncate cuts s so that s plus TruncationMarker fits in max bytes, never
// splitting a UTF-8 sequence. Text that already fits is returned unchanged.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(TruncationMarker)
	if cut <= 0 {
		return TruncationMarker[:max]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

func issueText(is models.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n", is.Title)
	fmt.Fprintf(&b, "Category: %s\n", is.Category)
	fmt.Fprintf(&b, "Severity: %s\n", is.Severity)
	if is.FilePath != "" {
		if is.Line > 0 {
			fmt.Fprintf(&b, "File: %s:%d\n", is.FilePath, is.Line)
		} else {
			fmt.Fprintf(&b, "File: %s\n", is.FilePath)
		}
	}
	if d := strings.TrimSpace(is.Description); d != "" {
		fmt.Fprintf(&b, "Description: %s\n", d)
	}
	if s := strings.TrimSpace(is.Suggestion); s != "" {
		fmt.Fprintf(&b, "Suggestion: %s\n", s)
	}
	if len(is.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(is.Tags, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// fileMetricTexts returns one text per FunctionsPerChunk functions, and at
// least one text for files without function metrics.
func fileMetricTexts(m models.FileMetric) []string {
	var head strings.Builder
	fmt.Fprintf(&head, "File: %s\n", m.Path)
	if m.Language != "" {
		fmt.Fprintf(&head, "Language: %s\n", m.Language)
	}
	fmt.Fprintf(&head, "Lines of code: %d\n", m.LinesOfCode)
	fmt.Fprintf(&head, "Complexity: %.2f\n", m.Complexity)
	fmt.Fprintf(&head, "Maintainability index: %.2f\n", m.Maintainability)
	fmt.Fprintf(&head, "Issues: %d", m.IssueCount)
	if m.TestCoverage != nil {
		fmt.Fprintf(&head, "\nTest coverage: %.1f%%", *m.TestCoverage)
	}

	if len(m.Functions) == 0 {
		return []string{head.String()}
	}

	var texts []string
	for start := 0; start < len(m.Functions); start += FunctionsPerChunk {
		end := start + FunctionsPerChunk
		if end > len(m.Functions) {
			end = len(m.Functions)
		}
		var b strings.Builder
		if start == 0 {
			b.WriteString(head.String())
		} else {
			fmt.Fprintf(&b, "File: %s (functions %d-%d of %d)", m.Path, start+1, end, len(m.Functions))
		}
		b.WriteString("\nFunctions:")
		for _, fn := range m.Functions[start:end] {
			fmt.Fprintf(&b, "\n- %s (line %d): complexity %.1f", fn.Name, fn.Line, fn.Complexity)
		}
		texts = append(texts, b.String())
	}
	return texts
}

func summaryText(src models.SourceInfo, s models.Summary) string {
	title := "Analysis summary"
	if src.Origin != "" {
		title += " for " + src.Origin
	}
	return title + "\n" + report.FormatSummary(s)
}
