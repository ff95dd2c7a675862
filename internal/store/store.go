// Package store persists vector index contents. Every backend implements
// vectorindex.Persister; PGStore also replaces single artifacts in place.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/seanblong/codeqa/pkg/models"
)

// ErrNotFound reports that no snapshot has been written yet.
var ErrNotFound = errors.New("index snapshot not found")

// Backend is a persister with resources to release.
type Backend interface {
	Save(ctx context.Context, chunks []models.IndexedChunk) error
	Load(ctx context.Context) ([]models.IndexedChunk, error)
	Close()
}

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Path        string
	DatabaseURL string
	Dim         int
	S3          S3Config
}

// Open returns the configured backend, or nil for the memory backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return nil, nil
	case BackendFile:
		s, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendS3:
		s, err := NewObjectStore(cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := s.Migrate(ctx, cfg.Dim); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Backend)
	}
}

// PGStore keeps chunks in a pgvector table.
type PGStore struct {
	pool *pgxpool.Pool
}

// New creates a PGStore connected to the given database URL.
func New(ctx context.Context, url string) (*PGStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PGStore{pool: p}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// Migrate applies the schema for embeddings of the given dimension.
func (s *PGStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS index_chunks (
  id          TEXT PRIMARY KEY,
  artifact_id TEXT NOT NULL,
  ordinal     INT  NOT NULL,
  type        TEXT NOT NULL,
  content     TEXT NOT NULL,
  category    TEXT NOT NULL DEFAULT '',
  severity    TEXT NOT NULL DEFAULT '',
  file_path   TEXT NOT NULL DEFAULT '',
  language    TEXT NOT NULL DEFAULT '',
  embedding   vector(%d) NOT NULL,
  artifact    JSONB,
  created_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

ALTER TABLE index_chunks ADD COLUMN IF NOT EXISTS artifact JSONB;

CREATE INDEX IF NOT EXISTS index_chunks_artifact_idx
  ON index_chunks (artifact_id, ordinal);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

const insertChunk = `
INSERT INTO index_chunks (
  id, artifact_id, ordinal, type, content, category, severity, file_path, language, embedding, artifact
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  artifact_id = EXCLUDED.artifact_id,
  ordinal     = EXCLUDED.ordinal,
  type        = EXCLUDED.type,
  content     = EXCLUDED.content,
  category    = EXCLUDED.category,
  severity    = EXCLUDED.severity,
  file_path   = EXCLUDED.file_path,
  language    = EXCLUDED.language,
  embedding   = EXCLUDED.embedding,
  artifact    = EXCLUDED.artifact`

func queueInserts(b *pgx.Batch, chunks []models.IndexedChunk) error {
	for i, c := range chunks {
		var record []byte
		if c.Artifact != nil {
			var err error
			if record, err = json.Marshal(c.Artifact); err != nil {
				return fmt.Errorf("marshal artifact record %s: %w", c.ArtifactID, err)
			}
		}
		b.Queue(insertChunk,
			c.ID, c.ArtifactID, i, string(c.Type), c.Content,
			string(c.Metadata.Category), string(c.Metadata.Severity), c.Metadata.FilePath, c.Metadata.Language,
			pgvector.NewVector(c.Embedding), record,
		)
	}
	return nil
}

// Save replaces the whole table contents with chunks.
func (s *PGStore) Save(ctx context.Context, chunks []models.IndexedChunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM index_chunks`); err != nil {
			return err
		}
		b := &pgx.Batch{}
		if err := queueInserts(b, chunks); err != nil {
			return err
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

// ReplaceArtifact swaps one artifact's chunks in a single transaction.
func (s *PGStore) ReplaceArtifact(ctx context.Context, artifactID string, chunks []models.IndexedChunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM index_chunks WHERE artifact_id = $1`, artifactID); err != nil {
			return err
		}
		b := &pgx.Batch{}
		if err := queueInserts(b, chunks); err != nil {
			return err
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

// DeleteArtifact removes one artifact's chunks; unknown ids are a no-op.
func (s *PGStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM index_chunks WHERE artifact_id = $1`, artifactID)
	return err
}

// Load returns every stored chunk ordered by artifact and position.
func (s *PGStore) Load(ctx context.Context) ([]models.IndexedChunk, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, artifact_id, type, content, category, severity, file_path, language, embedding::text, artifact
FROM index_chunks
ORDER BY artifact_id, ordinal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IndexedChunk
	for rows.Next() {
		var (
			c        models.IndexedChunk
			typ      string
			category string
			severity string
			vec      pgvector.Vector
			record   []byte
		)
		if err := rows.Scan(
			&c.ID, &c.ArtifactID, &typ, &c.Content, &category, &severity,
			&c.Metadata.FilePath, &c.Metadata.Language, &vec, &record,
		); err != nil {
			return nil, err
		}
		if len(record) > 0 {
			c.Artifact = &models.ArtifactRecord{}
			if err := json.Unmarshal(record, c.Artifact); err != nil {
				return nil, fmt.Errorf("%w: artifact record of %s: %v", ErrCorrupt, c.ArtifactID, err)
			}
		}
		c.Type = models.SourceType(typ)
		c.Metadata.Category = models.Category(category)
		c.Metadata.Severity = models.Severity(severity)
		c.Embedding = vec.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping checks the database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
