package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/answer"
	"github.com/seanblong/codeqa/internal/config"
	"github.com/seanblong/codeqa/internal/vectorindex"
	"github.com/seanblong/codeqa/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockClient implements ai.Client, delegating to a stub unless a Func is set.
type MockClient struct {
	stub           *ai.StubClient
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func newMockClient() *MockClient { return &MockClient{stub: ai.NewStubClient(256)} }

func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return m.stub.Embed(ctx, text)
}

func (m *MockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	return m.stub.EmbedBatch(ctx, texts)
}

func (m *MockClient) Dim() int { return m.stub.Dim() }

// MockGenerator implements ai.Generator.
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, system, prompt string) (string, error)
	calls        atomic.Int32
}

func (m *MockGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	m.calls.Add(1)
	return m.GenerateFunc(ctx, system, prompt)
}

func newEngine(t *testing.T, client ai.Client, gen ai.Generator) *Engine {
	t.Helper()
	e, err := New(Dependencies{
		Embedder:  client,
		Generator: gen,
		Index:     vectorindex.New(vectorindex.Options{Dim: client.Dim()}),
	}, Options{TopK: 5, MaxContextChars: 4000, SimilarityFloor: 0.05, QueryCacheSize: 16})
	require.NoError(t, err)
	return e
}

func scenarioArtifact(id string) models.AnalysisArtifact {
	return models.AnalysisArtifact{
		ID:     id,
		Source: models.SourceInfo{Origin: "github.com/acme/shop"},
		Issues: []models.Issue{
			{ID: "1", Category: models.CategorySecurity, Severity: models.SeverityCritical,
				Title: "SQL injection in login", Description: "User input is concatenated into a SQL query.",
				FilePath: "app/db.py", Line: 42, Suggestion: "Use parameterised queries."},
			{ID: "2", Category: models.CategoryPerformance, Severity: models.SeverityHigh,
				Title: "Quadratic loop in report builder", Description: "Nested loops over all orders.",
				FilePath: "app/report.py", Line: 10},
			{ID: "3", Category: models.CategoryDocumentation, Severity: models.SeverityLow,
				Title: "Missing module docstring", Description: "Module has no docstring.",
				FilePath: "app/util.py"},
		},
		FileMetrics: []models.FileMetric{
			{Path: "app/db.py", Language: "python", LinesOfCode: 120, Complexity: 9, Maintainability: 61},
			{Path: "app/report.py", Language: "python", LinesOfCode: 300, Complexity: 14, Maintainability: 48},
		},
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Dependencies{Index: vectorindex.New(vectorindex.Options{})}, Options{})
	assert.Error(t, err)
	_, err = New(Dependencies{Embedder: newMockClient()}, Options{})
	assert.Error(t, err)
}

func TestIndex_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMockClient(), nil)
	art := scenarioArtifact("art-1")

	n1, err := e.Index(ctx, art)
	require.NoError(t, err)
	first := e.index.Chunks("art-1")

	n2, err := e.Index(ctx, art)
	require.NoError(t, err)
	second := e.index.Chunks("art-1")

	assert.Equal(t, n1, n2)
	assert.Equal(t, n1, e.index.Len())
	assert.Empty(t, cmp.Diff(first, second))
}

func TestIndex_InvalidArtifact(t *testing.T) {
	e := newEngine(t, newMockClient(), nil)
	_, err := e.Index(context.Background(), models.AnalysisArtifact{ID: "  "})
	assert.ErrorIs(t, err, ErrInvalidArtifact)
	assert.ErrorIs(t, e.Remove(context.Background(), ""), ErrInvalidArtifact)
}

func TestIndex_EmbeddingFailureKeepsPreviousChunks(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	e := newEngine(t, client, nil)

	n, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)

	client.EmbedBatchFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("model not loaded")
	}
	updated := scenarioArtifact("art-1")
	updated.Issues = updated.Issues[:1]
	_, err = e.Index(ctx, updated)
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrEmbeddingUnavailable)
	assert.Equal(t, n, e.index.Len())
}

func TestAsk_Scenario(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMockClient(), nil)
	_, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)

	ans, err := e.Ask(ctx, "What are the critical security issues?", "art-1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeFallback, ans.Mode)
	assert.Equal(t, answer.FallbackConfidence, ans.Confidence)
	assert.Less(t, ans.Confidence, 0.5)
	assert.Contains(t, ans.Text, "SQL injection in login")
	assert.Contains(t, ans.Text, "1 critical")
	assert.Equal(t, "art-1", ans.ArtifactID)
	for _, s := range ans.Sources {
		assert.NotEmpty(t, s.ChunkID)
	}
}

func TestAsk_DefaultsToMostRecentArtifact(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMockClient(), nil)

	older := scenarioArtifact("old")
	newer := models.AnalysisArtifact{
		ID: "new",
		Issues: []models.Issue{{ID: "1", Category: models.CategorySecurity, Severity: models.SeverityHigh,
			Title: "Hardcoded password in settings", FilePath: "conf/settings.py"}},
	}
	_, err := e.Index(ctx, older)
	require.NoError(t, err)
	_, err = e.Index(ctx, newer)
	require.NoError(t, err)

	// asking about the older artifact must not change the default
	_, err = e.Ask(ctx, "security?", "old")
	require.NoError(t, err)

	ans, err := e.Ask(ctx, "Any security problems?", "")
	require.NoError(t, err)
	assert.Equal(t, "new", ans.ArtifactID)
	assert.Contains(t, ans.Text, "Hardcoded password in settings")
}

func TestAsk_EvictedArtifactKeepsTopicAnswers(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	e, err := New(Dependencies{
		Embedder: client,
		Index:    vectorindex.New(vectorindex.Options{Dim: client.Dim()}),
	}, Options{TopK: 5, MaxContextChars: 4000, SimilarityFloor: 0.05, ArtifactCacheSize: 1})
	require.NoError(t, err)

	_, err = e.Index(ctx, scenarioArtifact("a"))
	require.NoError(t, err)
	_, err = e.Index(ctx, scenarioArtifact("b"))
	require.NoError(t, err)
	_, cached := e.artifacts.Peek("a")
	require.False(t, cached)

	ans, err := e.Ask(ctx, "What are the critical security issues?", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", ans.ArtifactID)
	assert.Contains(t, ans.Text, "1 critical")
}

func TestAsk_FiltersByArtifact(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMockClient(), nil)
	_, err := e.Index(ctx, scenarioArtifact("a"))
	require.NoError(t, err)
	_, err = e.Index(ctx, scenarioArtifact("b"))
	require.NoError(t, err)

	ans, err := e.Ask(ctx, "SQL injection in login", "b")
	require.NoError(t, err)
	require.NotEmpty(t, ans.Sources)
	want := map[string]bool{}
	for _, c := range e.index.Chunks("b") {
		want[c.ID] = true
	}
	for _, s := range ans.Sources {
		assert.True(t, want[s.ChunkID], "source %s is not from artifact b", s.ChunkID)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	e := newEngine(t, newMockClient(), nil)
	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := e.Ask(context.Background(), q, "")
		assert.ErrorIs(t, err, ErrInvalidQuestion)
	}
}

func TestAsk_EmptyIndex(t *testing.T) {
	client := newMockClient()
	var embeds atomic.Int32
	client.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
		embeds.Add(1)
		return client.stub.Embed(ctx, text)
	}
	e := newEngine(t, client, nil)

	ans, err := e.Ask(context.Background(), "What are the security issues?", "")
	require.NoError(t, err)
	assert.Equal(t, EmptyIndexMessage, ans.Text)
	assert.Equal(t, models.ModeFallback, ans.Mode)
	assert.Equal(t, answer.FallbackConfidence, ans.Confidence)
	assert.Empty(t, ans.Sources)
	assert.Zero(t, embeds.Load())
}

func TestRemove_ThenAskIsEmpty(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMockClient(), nil)
	_, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)

	require.NoError(t, e.Remove(ctx, "art-1"))
	require.NoError(t, e.Remove(ctx, "art-1"), "remove is idempotent")
	assert.Zero(t, e.index.Len())

	ans, err := e.Ask(ctx, "What are the critical security issues?", "art-1")
	require.NoError(t, err)
	assert.Equal(t, EmptyIndexMessage, ans.Text)
	assert.Empty(t, ans.Sources)
}

func TestAsk_GeneratedAnswer(t *testing.T) {
	ctx := context.Background()
	gen := &MockGenerator{GenerateFunc: func(_ context.Context, _, prompt string) (string, error) {
		return "Fix the SQL injection in app/db.py:42 first.", nil
	}}
	e := newEngine(t, newMockClient(), gen)
	assert.Equal(t, models.ModeAI, e.Stats().Mode)

	_, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)

	ans, err := e.Ask(ctx, "What should I fix first in the SQL login code?", "art-1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeAI, ans.Mode)
	assert.Equal(t, "Fix the SQL injection in app/db.py:42 first.", ans.Text)
	assert.Greater(t, ans.Confidence, answer.FallbackConfidence)
	assert.LessOrEqual(t, ans.Confidence, answer.MaxConfidence)
	assert.NotEmpty(t, ans.Sources)
}

func TestAsk_GeneratorFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	gen := &MockGenerator{GenerateFunc: func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("%w: quota exceeded", ai.ErrGenerationFailed)
	}}
	e := newEngine(t, newMockClient(), gen)
	_, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)

	ans, err := e.Ask(ctx, "What are the critical security issues?", "art-1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeFallback, ans.Mode)
	assert.Equal(t, answer.FallbackConfidence, ans.Confidence)
	assert.EqualValues(t, 1, gen.calls.Load())
}

func TestAsk_DegradedRetrieval(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	gen := &MockGenerator{GenerateFunc: func(context.Context, string, string) (string, error) {
		return "unused", nil
	}}
	e := newEngine(t, client, gen)
	_, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)

	client.EmbedFunc = func(context.Context, string) ([]float32, error) {
		return nil, ai.ErrEmbeddingUnavailable
	}
	ans, err := e.Ask(ctx, "What are the critical security issues?", "art-1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeFallback, ans.Mode)
	assert.Contains(t, ans.Text, "SQL injection in login")
	assert.Empty(t, ans.Sources)
	assert.Zero(t, gen.calls.Load())
}

func TestEngine_ConcurrentIndexAndAsk(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMockClient(), nil)
	_, err := e.Index(ctx, scenarioArtifact("seed"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	counts := make([]int, 5)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// the same artifact is written twice to exercise the per-id lock
			for j := 0; j < 2; j++ {
				n, err := e.Index(ctx, scenarioArtifact(fmt.Sprintf("art-%d", i)))
				assert.NoError(t, err)
				counts[i] = n
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ans, err := e.Ask(ctx, fmt.Sprintf("security issue %d?", i), "")
			assert.NoError(t, err)
			assert.NotEmpty(t, ans.Text)
		}(i)
	}
	wg.Wait()

	total := len(e.index.Chunks("seed"))
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, total, e.Stats().Chunks)
	assert.Equal(t, 6, e.Stats().Artifacts)
	assert.Zero(t, e.locks.size())
}

func TestKeyLock_SerialisesSameKey(t *testing.T) {
	k := newKeyLock()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			defer unlock()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxActive.Load())
	assert.Zero(t, k.size())

	// different keys do not block each other
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}

func testSpec(dir string) config.Specification {
	return config.Specification{
		Provider: "stub",
		Index: config.IndexSpecification{
			Backend: "file",
			Path:    filepath.Join(dir, "index.zst"),
		},
		RAG: config.RAGSpecification{
			TopK:            5,
			MaxContextChars: 4000,
			SimilarityFloor: 0.05,
			EmbedTimeout:    5 * time.Second,
			AnswerTimeout:   5 * time.Second,
		},
	}
}

func TestOpen_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testSpec(t.TempDir())

	e, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, e.Stats().Chunks)
	n, err := e.Index(ctx, scenarioArtifact("art-1"))
	require.NoError(t, err)
	before := e.index.Chunks("art-1")
	require.NoError(t, e.Close(ctx))

	e2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer e2.Close(ctx)
	assert.Equal(t, n, e2.Stats().Chunks)
	assert.Equal(t, []string{"art-1"}, e2.index.Artifacts())
	// reloaded vectors are renormalised, so allow rounding differences
	assert.Empty(t, cmp.Diff(before, e2.index.Chunks("art-1"), cmpopts.EquateApprox(0, 1e-6), cmpopts.EquateEmpty()))

	ans, err := e2.Ask(ctx, "SQL injection in login", "art-1")
	require.NoError(t, err)
	assert.NotEmpty(t, ans.Sources)
}

func TestOpen_TopicAnswersSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testSpec(t.TempDir())
	cfg.RAG.SimilarityFloor = 0.15

	e, err := Open(ctx, cfg)
	require.NoError(t, err)
	older := scenarioArtifact("art-0")
	older.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = e.Index(ctx, older)
	require.NoError(t, err)
	newer := scenarioArtifact("art-1")
	newer.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = e.Index(ctx, newer)
	require.NoError(t, err)

	before, err := e.Ask(ctx, "What are the critical security issues?", "art-1")
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	e2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer e2.Close(ctx)

	after, err := e2.Ask(ctx, "What are the critical security issues?", "art-1")
	require.NoError(t, err)
	assert.Equal(t, before.Text, after.Text)
	assert.Contains(t, after.Text, "SQL injection in login")
	assert.Contains(t, after.Text, "1 critical")

	counts, err := e2.Ask(ctx, "How many critical issues?", "")
	require.NoError(t, err)
	assert.Equal(t, "art-1", counts.ArtifactID)
	assert.Contains(t, counts.Text, "Found 1 critical issue")
}

func TestOpen_CorruptSnapshotStartsEmpty(t *testing.T) {
	ctx := context.Background()
	cfg := testSpec(t.TempDir())
	require.NoError(t, os.WriteFile(cfg.Index.Path, []byte("not a snapshot"), 0o644))

	e, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer e.Close(ctx)
	assert.Zero(t, e.Stats().Chunks)

	ans, err := e.Ask(ctx, "anything?", "")
	require.NoError(t, err)
	assert.Equal(t, EmptyIndexMessage, ans.Text)
}

func TestOpen_UnsupportedProvider(t *testing.T) {
	cfg := testSpec(t.TempDir())
	cfg.Provider = "bogus"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
