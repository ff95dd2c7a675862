package answer

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/document"
	"github.com/seanblong/codeqa/internal/report"
	"github.com/seanblong/codeqa/pkg/models"
)

const systemPrompt = `You are a helpful code quality assistant. Answer the user's question using only the analysis overview and findings provided.
If they do not contain the answer, say that you do not know.
Focus on practical, actionable recommendations and cite file paths where relevant.`

// Generative answers with a text generator and falls back on failure.
type Generative struct {
	gen      ai.Generator
	timeout  time.Duration
	fallback *Fallback
}

func NewGenerative(gen ai.Generator, opts Options) *Generative {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Generative{gen: gen, timeout: opts.Timeout, fallback: NewFallback()}
}

func (g *Generative) Answer(ctx context.Context, req Request) models.Answer {
	if req.Degraded {
		return g.fallback.Answer(ctx, req)
	}
	start := time.Now()
	gctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.gen.Generate(gctx, systemPrompt, BuildPrompt(req))
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		log.Warn().Err(err).
			Str("artifact_id", artifactID(req.Artifact)).
			Dur("dur", time.Since(start)).
			Msg("generation failed, answering in fallback mode")
		return g.fallback.Answer(ctx, req)
	}

	direct := !IsRefusal(reply)
	ans := models.Answer{
		Text:       reply,
		Sources:    Sources(req.Retrieval),
		Confidence: Confidence(direct, req.Retrieval.Chunks),
		Mode:       models.ModeAI,
		ArtifactID: artifactID(req.Artifact),
	}
	log.Debug().
		Str("mode", string(ans.Mode)).
		Bool("direct", direct).
		Int("chunks", len(req.Retrieval.Chunks)).
		Float64("confidence", ans.Confidence).
		Dur("dur", time.Since(start)).
		Msg("answer generated")
	return ans
}

// BuildPrompt assembles the question, an artifact overview when known, and
// the retrieved context.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(req.Question))
	b.WriteString("\n\n")
	if req.Artifact != nil {
		b.WriteString("Analysis overview:\n")
		b.WriteString(document.Truncate(report.FormatSummary(SummaryOf(req.Artifact)), maxPromptDigest))
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant findings:\n")
	if req.Retrieval.Context != "" {
		b.WriteString(req.Retrieval.Context)
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\n\nAnswer concisely. If you are not sure about something, say so.")
	return b.String()
}

var refusalMarkers = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"i cannot answer",
	"i can't answer",
	"i'm sorry",
	"i am sorry",
	"unable to answer",
	"not enough information",
	"insufficient information",
	"does not contain",
	"doesn't contain",
	"no information",
}

// IsRefusal reports whether the start of reply declines to answer.
func IsRefusal(reply string) bool {
	head := strings.ToLower(reply)
	if len(head) > 200 {
		head = head[:200]
	}
	head = strings.ReplaceAll(head, "’", "'")
	for _, m := range refusalMarkers {
		if strings.Contains(head, m) {
			return true
		}
	}
	return false
}
