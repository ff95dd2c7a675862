package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/codeqa/internal/report"
	"github.com/seanblong/codeqa/pkg/models"
)

const maxWorkers = 8

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// ArtifactIndexer stores one analysis artifact. *rag.Engine implements it.
type ArtifactIndexer interface {
	Index(ctx context.Context, a models.AnalysisArtifact) (int, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Indexer loads analysis artifact JSON files below Root and indexes them.
type Indexer struct {
	Engine     ArtifactIndexer
	Root       string
	Workers    int
	Walker     FileSystemWalker
	FileReader FileReader
}

// Result counts what a Run did.
type Result struct {
	Files     int `json:"files"`
	Artifacts int `json:"artifacts"`
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
}

// New creates a new Indexer instance.
func New(engine ArtifactIndexer, root string) *Indexer {
	return NewWithDependencies(engine, root, &DefaultFileSystemWalker{}, &DefaultFileReader{})
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(engine ArtifactIndexer, root string, walker FileSystemWalker, fileReader FileReader) *Indexer {
	return &Indexer{
		Engine:     engine,
		Root:       root,
		Walker:     walker,
		FileReader: fileReader,
	}
}

// workItem represents a file to be processed
type workItem struct {
	path    string
	content []byte
}

// processWorkItem decodes and indexes a single artifact file.
func (ix *Indexer) processWorkItem(ctx context.Context, item workItem) (int, error) {
	relPath := rel(ix.Root, item.path)
	a, err := DecodeArtifact(item.content, relPath)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", relPath, err)
	}

	n, err := ix.Engine.Index(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", relPath, err)
	}
	log.Info().Str("path", relPath).
		Str("artifact_id", a.ID).
		Int("issues", len(a.Issues)).
		Int("chunks", n).
		Msg("indexed artifact file")
	return n, nil
}

// Run walks Root and indexes every artifact file with a bounded worker
// pool. A file that fails is logged and counted; the first such error is
// returned after all other files were processed.
func (ix *Indexer) Run(ctx context.Context) (Result, error) {
	numWorkers := ix.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > maxWorkers {
		numWorkers = maxWorkers // Cap to avoid overwhelming the embedding API
	}

	log.Info().Int("workers", numWorkers).Str("root", ix.Root).Msg("starting artifact indexing")

	workChan := make(chan workItem, numWorkers*2)

	var (
		mu       sync.Mutex
		res      Result
		firstErr error
	)
	record := func(n int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		res.Artifacts++
		res.Chunks += n
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")

			for item := range workChan {
				n, err := ix.processWorkItem(ctx, item)
				if err != nil {
					log.Error().Err(err).Str("path", item.path).Msg("artifact indexing failed")
				}
				record(n, err)
			}

			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	walkErr := ix.Walker.Walk(ix.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			// de is nil when driven by a test walker
			if de != nil && de.IsDir() {
				if skipDir(path) {
					return godirwalk.SkipThis
				}
				return nil
			}
			if shouldSkip(path) {
				return nil
			}

			b, err := ix.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				record(0, fmt.Errorf("%s: %w", rel(ix.Root, path), err))
				return nil
			}

			mu.Lock()
			res.Files++
			mu.Unlock()

			select {
			case workChan <- workItem{path: path, content: b}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()

	log.Info().
		Int("files", res.Files).
		Int("artifacts", res.Artifacts).
		Int("chunks", res.Chunks).
		Int("failed", res.Failed).
		Msg("artifact indexing finished")

	if walkErr != nil {
		return res, walkErr
	}
	return res, firstErr
}

// DecodeArtifact parses an artifact document. A missing id is derived
// from name so re-indexing the same file replaces its chunks, and a
// missing summary is computed from the issues and metrics.
func DecodeArtifact(b []byte, name string) (models.AnalysisArtifact, error) {
	var a models.AnalysisArtifact
	if err := json.Unmarshal(b, &a); err != nil {
		return models.AnalysisArtifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		a.ID = ArtifactIDFor(name)
	}
	if report.IsZero(a.Summary) {
		a.Summary = report.BuildSummary(a.Issues, a.FileMetrics, a.Source)
	}
	return a, nil
}

// ArtifactIDFor returns a stable UUIDv5 for an artifact file name.
func ArtifactIDFor(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(filepath.ToSlash(name))).String()
}

var skippedDirs = []string{
	"/vendor/",
	"/.git/",
	"/node_modules/",
	"/.venv/",
	"/venv/",
	"/__pycache__/",
	"/.cache/",
	"/.idea/",
}

func skipDir(path string) bool {
	p := strings.ToLower(filepath.ToSlash(path)) + "/"
	for _, d := range skippedDirs {
		if strings.Contains(p, d) {
			return true
		}
	}
	return false
}

// shouldSkip returns true if the file at path is not an artifact document.
func shouldSkip(path string) bool {
	p := strings.ToLower(filepath.ToSlash(path))
	if filepath.Ext(p) != ".json" {
		return true
	}
	if strings.HasPrefix(filepath.Base(p), ".") {
		return true
	}
	return skipDir(filepath.Dir(p))
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}
