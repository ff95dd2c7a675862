package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/report"
	"github.com/seanblong/codeqa/pkg/models"
)

// HelpMessage is returned when there is neither an artifact nor context.
const HelpMessage = "I don't have enough information to answer that question. " +
	"Index an analysis first, or ask about security, performance, testing, complexity, " +
	"maintainability, duplication or documentation."

const maxExcerpts = 5

type topic struct {
	name   string
	words  map[string]bool
	stems  []string
	render func(q []string, s models.Summary) string
}

// newTopic compiles keywords into whole-word matches, folded the same way as
// questions, and stems (a trailing "*") that match any token they prefix.
func newTopic(name string, keywords []string, render func([]string, models.Summary) string) topic {
	t := topic{name: name, words: make(map[string]bool, len(keywords)), render: render}
	for _, k := range keywords {
		if stem, ok := strings.CutSuffix(k, "*"); ok {
			t.stems = append(t.stems, stem)
			continue
		}
		for _, w := range ai.Tokenize(k) {
			t.words[w] = true
		}
	}
	return t
}

func (t *topic) matches(tok string) bool {
	if t.words[tok] {
		return true
	}
	for _, stem := range t.stems {
		if strings.HasPrefix(tok, stem) {
			return true
		}
	}
	return false
}

// topics are matched in order; the first topic with a matching token wins.
var topics = []topic{
	newTopic("security", []string{"secur*", "vulnerab*", "exploit*", "injection", "xss", "csrf", "secret", "password", "auth", "authenticat*", "authoriz*"},
		categoryTopic(models.CategorySecurity, "Review these findings and add proper input validation and sanitization.")),
	newTopic("performance", []string{"perform*", "slow*", "speed", "latency", "optimi*", "memory", "bottleneck*"},
		categoryTopic(models.CategoryPerformance, "Consider optimizing loops, caching expensive operations and reviewing algorithmic complexity.")),
	newTopic("testing", []string{"test*", "coverage", "unittest*"},
		categoryTopic(models.CategoryTesting, "Add unit and integration tests around the affected code to improve coverage.")),
	newTopic("complexity", []string{"complex*", "cyclomatic", "complicated", "nesting", "nested"},
		func(_ []string, s models.Summary) string { return report.ComplexityDigest(s) }),
	newTopic("maintainability", []string{"maintainab*", "debt", "refactor*", "readab*"},
		func(_ []string, s models.Summary) string { return report.MaintainabilityDigest(s) }),
	newTopic("duplication", []string{"duplicat*", "copy", "copies", "clone*", "dry", "repeated"},
		func(_ []string, s models.Summary) string { return report.DuplicationDigest(s) }),
	newTopic("documentation", []string{"doc", "docs", "document*", "docstring*", "comment*", "readme"},
		categoryTopic(models.CategoryDocumentation, "Document public functions and modules so intent stays clear.")),
	newTopic("severity", []string{"critical", "high", "highest", "severe", "urgent", "worst", "priorit*"},
		severityTopic),
	newTopic("overview", []string{"summar*", "overview", "overall", "quality", "score", "general", "status"},
		func(_ []string, s models.Summary) string { return report.FormatSummary(s) }),
}

func categoryTopic(c models.Category, advice string) func([]string, models.Summary) string {
	return func(_ []string, s models.Summary) string {
		text := report.CategoryDigest(s, c)
		if s.ByCategory[c] > 0 {
			text += " " + advice
		}
		return text
	}
}

func severityTopic(q []string, s models.Summary) string {
	for _, tok := range q {
		switch {
		case strings.HasPrefix(tok, "critical"):
			return report.SeverityDigest(s, models.SeverityCritical)
		case strings.HasPrefix(tok, "high"):
			return report.SeverityDigest(s, models.SeverityHigh)
		}
	}
	if len(s.TopIssues) == 0 {
		return "No issues were found in this analysis."
	}
	var b strings.Builder
	b.WriteString("The highest priority issues are:")
	for _, is := range s.TopIssues {
		fmt.Fprintf(&b, "\n- [%s/%s] %s", is.Severity, is.Category, is.Title)
		if is.FilePath != "" {
			fmt.Fprintf(&b, " (%s)", is.FilePath)
		}
	}
	return b.String()
}

// DetectTopic returns the name of the first topic the question mentions,
// or "" when none matches.
func DetectTopic(question string) string {
	if t := matchTopic(ai.Tokenize(question)); t != nil {
		return t.name
	}
	return ""
}

func matchTopic(tokens []string) *topic {
	for i := range topics {
		for _, tok := range tokens {
			if topics[i].matches(tok) {
				return &topics[i]
			}
		}
	}
	return nil
}

// Fallback answers from summary numbers and retrieved text without a
// generator. Its confidence is always FallbackConfidence.
type Fallback struct{}

func NewFallback() *Fallback { return &Fallback{} }

func (f *Fallback) Answer(_ context.Context, req Request) models.Answer {
	return models.Answer{
		Text:       f.text(req),
		Sources:    Sources(req.Retrieval),
		Confidence: FallbackConfidence,
		Mode:       models.ModeFallback,
		ArtifactID: artifactID(req.Artifact),
	}
}

func (f *Fallback) text(req Request) string {
	tokens := ai.Tokenize(req.Question)
	t := matchTopic(tokens)

	if req.Artifact != nil {
		s := SummaryOf(req.Artifact)
		if t != nil {
			return t.render(tokens, s)
		}
		text := "Here is an overview of the analysis:\n" + report.FormatSummary(s)
		if ex := excerpts(req.Retrieval); ex != "" {
			text += "\n\n" + ex
		}
		return text
	}

	if ex := excerpts(req.Retrieval); ex != "" {
		return ex
	}
	return HelpMessage
}

// excerpts lists the first line of each retrieved chunk.
func excerpts(r models.RetrievalResult) string {
	if r.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Based on the indexed analysis, the most relevant findings are:")
	for i, c := range r.Chunks {
		if i == maxExcerpts {
			break
		}
		line, _, _ := strings.Cut(c.Chunk.Content, "\n")
		b.WriteString("\n- ")
		b.WriteString(line)
	}
	return b.String()
}
