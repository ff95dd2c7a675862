package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/config"
	"github.com/seanblong/codeqa/internal/store"
	"github.com/seanblong/codeqa/internal/vectorindex"
)

// ClientConfig maps the provider settings of cfg onto an ai.ClientConfig.
func ClientConfig(cfg config.Specification) *ai.ClientConfig {
	return &ai.ClientConfig{
		APIKey:            cfg.APIKey,
		EmbedModel:        cfg.EmbedModel,
		ChatModel:         cfg.ChatModel,
		Dim:               cfg.Dim,
		ProjectID:         cfg.ProjectID,
		Provider:          ai.Provider(strings.ToLower(cfg.Provider)),
		Location:          cfg.Location,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RPS,
		AnswerEnabled:     cfg.AnswerEnabled,
		Timeout:           cfg.RAG.AnswerTimeout,
	}
}

// EngineOptions maps the retrieval settings of cfg onto Options.
func EngineOptions(cfg config.Specification) Options {
	return Options{
		TopK:              cfg.RAG.TopK,
		MaxContextChars:   cfg.RAG.MaxContextChars,
		SimilarityFloor:   cfg.RAG.SimilarityFloor,
		EmbedTimeout:      cfg.RAG.EmbedTimeout,
		AnswerTimeout:     cfg.RAG.AnswerTimeout,
		EmbedBatchSize:    cfg.RAG.EmbedBatchSize,
		EmbedParallel:     cfg.RAG.EmbedParallel,
		QueryCacheSize:    cfg.RAG.QueryCacheSize,
		ArtifactCacheSize: cfg.RAG.ArtifactCacheSize,
	}
}

// Open builds an engine from configuration: provider client, persistence
// backend and a vector index restored from it. A missing or unreadable
// snapshot is logged and the engine starts with an empty index.
func Open(ctx context.Context, cfg config.Specification) (*Engine, error) {
	ccfg := ClientConfig(cfg)
	client, err := ai.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("create ai client: %w", err)
	}

	backend, err := store.Open(ctx, store.Config{
		Backend:     cfg.Index.Backend,
		Path:        cfg.Index.Path,
		DatabaseURL: cfg.Database,
		Dim:         client.Dim(),
		S3: store.S3Config{
			Endpoint:  cfg.Index.S3.Endpoint,
			Region:    cfg.Index.S3.Region,
			AccessKey: cfg.Index.S3.AccessKey,
			SecretKey: cfg.Index.S3.SecretKey,
			Bucket:    cfg.Index.S3.Bucket,
			Key:       cfg.Index.S3.Key,
			UseSSL:    cfg.Index.S3.UseSSL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open index backend: %w", err)
	}

	opts := vectorindex.Options{
		Dim: client.Dim(),
		// postgres persists per artifact, so every write goes straight through
		WriteThrough: cfg.Index.WriteThrough || strings.EqualFold(cfg.Index.Backend, store.BackendPostgres),
	}
	if backend != nil {
		opts.Persister = backend
	}
	index := vectorindex.New(opts)

	switch err := index.Load(ctx); {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		log.Info().Str("backend", cfg.Index.Backend).Msg("no index snapshot yet, starting empty")
	default:
		log.Error().Err(err).Str("backend", cfg.Index.Backend).Msg("index load failed, starting with an empty index")
	}

	gen := ai.NewGenerator(client, ccfg)
	e, err := New(Dependencies{
		Embedder:  client,
		Generator: gen,
		Index:     index,
		Backend:   backend,
	}, EngineOptions(cfg))
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return nil, err
	}

	log.Info().
		Str("provider", cfg.Provider).
		Str("backend", cfg.Index.Backend).
		Str("mode", string(e.mode)).
		Int("dim", client.Dim()).
		Int("chunks", index.Len()).
		Msg("engine ready")
	return e, nil
}
