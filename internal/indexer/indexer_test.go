package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"

	"github.com/seanblong/codeqa/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockEngine implements ArtifactIndexer for testing
type MockEngine struct {
	IndexFunc func(ctx context.Context, a models.AnalysisArtifact) (int, error)

	mu      sync.Mutex
	indexed []models.AnalysisArtifact
}

func (m *MockEngine) Index(ctx context.Context, a models.AnalysisArtifact) (int, error) {
	m.mu.Lock()
	m.indexed = append(m.indexed, a)
	m.mu.Unlock()
	if m.IndexFunc != nil {
		return m.IndexFunc(ctx, a)
	}
	return len(a.Issues) + len(a.FileMetrics) + 1, nil
}

func (m *MockEngine) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.indexed {
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out
}

// MockFileSystemWalker implements FileSystemWalker for testing
type MockFileSystemWalker struct {
	FilesToProcess []string // List of file paths to process
	WalkError      error    // Error to return from Walk
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	// The callback is invoked with a nil Dirent; the indexer treats that
	// as a regular file.
	for _, filePath := range m.FilesToProcess {
		if err := options.Callback(filePath, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	ReadFileFunc func(filename string) ([]byte, error)
	Files        map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(filename)
	}
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

const artifactJSON = `{
  "id": "run-1",
  "source": {"origin": "github.com/acme/shop"},
  "issues": [
    {"id": "1", "category": "security", "severity": "critical", "title": "SQL injection in login", "file_path": "app/db.py", "line": 42},
    {"id": "2", "category": "performance", "severity": "high", "title": "Quadratic loop", "file_path": "app/report.py"}
  ],
  "file_metrics": [
    {"path": "app/db.py", "language": "python", "lines_of_code": 120, "complexity": 9, "maintainability_index": 61}
  ]
}`

func TestIndexer_Run(t *testing.T) {
	tests := []struct {
		name        string
		files       map[string]string // path -> content
		engine      *MockEngine
		wantResult  Result
		wantErr     string
		wantIndexed []string
	}{
		{
			name: "single artifact file",
			files: map[string]string{
				"/artifacts/run-1.json": artifactJSON,
			},
			engine:      &MockEngine{},
			wantResult:  Result{Files: 1, Artifacts: 1, Chunks: 4},
			wantIndexed: []string{"run-1"},
		},
		{
			name: "missing id derived from path",
			files: map[string]string{
				"/artifacts/nightly/2024-05-01.json": `{"issues": []}`,
			},
			engine:      &MockEngine{},
			wantResult:  Result{Files: 1, Artifacts: 1, Chunks: 1},
			wantIndexed: []string{ArtifactIDFor("nightly/2024-05-01.json")},
		},
		{
			name: "non-artifact and vendored files are skipped",
			files: map[string]string{
				"/artifacts/run-1.json":            artifactJSON,
				"/artifacts/README.md":             "# notes",
				"/artifacts/.hidden.json":          artifactJSON,
				"/artifacts/vendor/dep.json":       artifactJSON,
				"/artifacts/node_modules/pkg.json": artifactJSON,
				"/artifacts/report.json.gz":        "binary",
			},
			engine:      &MockEngine{},
			wantResult:  Result{Files: 1, Artifacts: 1, Chunks: 4},
			wantIndexed: []string{"run-1"},
		},
		{
			name: "malformed file is counted and others still indexed",
			files: map[string]string{
				"/artifacts/bad.json":   `{"issues": [`,
				"/artifacts/run-1.json": artifactJSON,
			},
			engine:      &MockEngine{},
			wantResult:  Result{Files: 2, Artifacts: 1, Chunks: 4, Failed: 1},
			wantErr:     "bad.json: decode artifact",
			wantIndexed: []string{"run-1"},
		},
		{
			name: "engine error",
			files: map[string]string{
				"/artifacts/run-1.json": artifactJSON,
			},
			engine: &MockEngine{IndexFunc: func(ctx context.Context, a models.AnalysisArtifact) (int, error) {
				return 0, errors.New("index write failed")
			}},
			wantResult:  Result{Files: 1, Failed: 1},
			wantErr:     "run-1.json: index write failed",
			wantIndexed: []string{"run-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var paths []string
			for p := range tt.files {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			ix := NewWithDependencies(tt.engine, "/artifacts",
				&MockFileSystemWalker{FilesToProcess: paths},
				&MockFileReader{Files: tt.files})
			ix.Workers = 2

			res, err := ix.Run(context.Background())
			if tt.wantErr == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
			}
			if res != tt.wantResult {
				t.Errorf("expected result %+v, got %+v", tt.wantResult, res)
			}
			got := tt.engine.ids()
			if strings.Join(got, ",") != strings.Join(tt.wantIndexed, ",") {
				t.Errorf("expected indexed %v, got %v", tt.wantIndexed, got)
			}
		})
	}
}

func TestIndexer_Run_FillsSummary(t *testing.T) {
	engine := &MockEngine{}
	ix := NewWithDependencies(engine, "/artifacts",
		&MockFileSystemWalker{FilesToProcess: []string{"/artifacts/run-1.json"}},
		&MockFileReader{Files: map[string]string{"/artifacts/run-1.json": artifactJSON}})

	if _, err := ix.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(engine.indexed) != 1 {
		t.Fatalf("expected one artifact, got %d", len(engine.indexed))
	}
	s := engine.indexed[0].Summary
	if s.TotalIssues != 2 {
		t.Errorf("expected TotalIssues 2, got %d", s.TotalIssues)
	}
	if s.ByCategory[models.CategorySecurity] != 1 {
		t.Errorf("expected 1 security issue, got %d", s.ByCategory[models.CategorySecurity])
	}
}

func TestIndexer_Run_WalkError(t *testing.T) {
	ix := NewWithDependencies(&MockEngine{}, "/artifacts",
		&MockFileSystemWalker{WalkError: errors.New("permission denied")},
		&MockFileReader{})

	_, err := ix.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("expected walk error, got %v", err)
	}
}

func TestIndexer_Run_ReadError(t *testing.T) {
	engine := &MockEngine{}
	ix := NewWithDependencies(engine, "/artifacts",
		&MockFileSystemWalker{FilesToProcess: []string{"/artifacts/missing.json"}},
		&MockFileReader{Files: map[string]string{}})

	res, err := ix.Run(context.Background())
	if err == nil {
		t.Fatal("expected read error")
	}
	if res.Failed != 1 || res.Files != 0 {
		t.Errorf("expected one failed read, got %+v", res)
	}
	if len(engine.ids()) != 0 {
		t.Errorf("expected nothing indexed, got %v", engine.ids())
	}
}

func TestIndexer_Run_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files := map[string]string{}
	var paths []string
	for i := 0; i < 50; i++ {
		p := filepath.Join("/artifacts", strings.Repeat("a", i+1)+".json")
		files[p] = `{"id": "x"}`
		paths = append(paths, p)
	}
	engine := &MockEngine{IndexFunc: func(ctx context.Context, a models.AnalysisArtifact) (int, error) {
		return 0, ctx.Err()
	}}
	ix := NewWithDependencies(engine, "/artifacts",
		&MockFileSystemWalker{FilesToProcess: paths},
		&MockFileReader{Files: files})
	ix.Workers = 1

	_, err := ix.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIndexer_RunOnDisk(t *testing.T) {
	root := t.TempDir()
	mustWrite := func(rel, content string) {
		t.Helper()
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("run-1.json", artifactJSON)
	mustWrite("nested/run-2.json", `{"id": "run-2", "issues": []}`)
	mustWrite("node_modules/x/package.json", `{"name": "x"}`)
	mustWrite("notes.txt", "ignore me")

	engine := &MockEngine{}
	res, err := New(engine, root).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Artifacts != 2 || res.Failed != 0 {
		t.Errorf("expected 2 artifacts and no failures, got %+v", res)
	}
	if got := strings.Join(engine.ids(), ","); got != "run-1,run-2" {
		t.Errorf("expected run-1,run-2, got %s", got)
	}
}

func TestIndexer_UtilityFunctions(t *testing.T) {
	t.Run("shouldSkip", func(t *testing.T) {
		testCases := []struct {
			path     string
			expected bool
		}{
			{"/a/run.json", false},
			{"/a/RUN.JSON", false},
			{"/a/nested/deep/run.json", false},
			{"/a/run.yaml", true},
			{"/a/.run.json", true},
			{"/a/vendor/run.json", true},
			{"/a/.git/objects/run.json", true},
			{"/a/node_modules/pkg/package.json", true},
			{"/a/__pycache__/x.json", true},
		}
		for _, tc := range testCases {
			if got := shouldSkip(tc.path); got != tc.expected {
				t.Errorf("shouldSkip(%q) = %v, want %v", tc.path, got, tc.expected)
			}
		}
	})

	t.Run("skipDir", func(t *testing.T) {
		if !skipDir("/a/vendor") {
			t.Error("expected vendor directory to be skipped")
		}
		if skipDir("/a/vendors") {
			t.Error("did not expect vendors directory to be skipped")
		}
	})

	t.Run("ArtifactIDFor", func(t *testing.T) {
		a := ArtifactIDFor("nightly/run.json")
		if a != ArtifactIDFor("nightly/run.json") {
			t.Error("ArtifactIDFor should be deterministic")
		}
		if a == ArtifactIDFor("nightly/other.json") {
			t.Error("different names should give different ids")
		}
		if len(a) != 36 {
			t.Errorf("expected uuid string, got %q", a)
		}
	})

	t.Run("DecodeArtifact keeps explicit id", func(t *testing.T) {
		a, err := DecodeArtifact([]byte(`{"id": " run-9 "}`), "x.json")
		if err != nil {
			t.Fatal(err)
		}
		if a.ID != "run-9" {
			t.Errorf("expected id run-9, got %q", a.ID)
		}
	})

	t.Run("rel", func(t *testing.T) {
		if got := rel("/a", "/a/b/c.json"); got != filepath.Join("b", "c.json") {
			t.Errorf("rel = %q", got)
		}
	})
}

func TestNew(t *testing.T) {
	engine := &MockEngine{}
	ix := New(engine, "/root")
	if ix.Engine != engine || ix.Root != "/root" {
		t.Errorf("unexpected indexer %+v", ix)
	}
	if _, ok := ix.Walker.(*DefaultFileSystemWalker); !ok {
		t.Error("expected default walker")
	}
	if _, ok := ix.FileReader.(*DefaultFileReader); !ok {
		t.Error("expected default file reader")
	}
}

func TestInterfaceCompliance(t *testing.T) {
	var _ FileSystemWalker = &DefaultFileSystemWalker{}
	var _ FileReader = &DefaultFileReader{}
	var _ FileSystemWalker = &MockFileSystemWalker{}
	var _ FileReader = &MockFileReader{}
	var _ ArtifactIndexer = &MockEngine{}
}

func BenchmarkIndexer_ShouldSkip(b *testing.B) {
	paths := []string{"/a/run.json", "/a/vendor/x.json", "/a/readme.md"}
	for i := 0; i < b.N; i++ {
		for _, p := range paths {
			shouldSkip(p)
		}
	}
}
