package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/codeqa/internal/config"
	"github.com/seanblong/codeqa/internal/indexer"
	"github.com/seanblong/codeqa/internal/rag"
)

func main() {
	fs := pflag.NewFlagSet("codeqa-indexer", pflag.ExitOnError)
	workers := fs.Int("workers", 4, "Number of artifact files indexed concurrently")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger

	// Positional argument overrides the configured artifacts directory.
	root := cfg.ArtifactsDir
	if fs.NArg() > 0 {
		root = fs.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := rag.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open engine")
	}

	ix := indexer.New(eng, root)
	ix.Workers = *workers

	logger.Info().Str("root", root).Str("provider", cfg.Provider).Msg("indexing artifacts")
	res, runErr := ix.Run(ctx)

	// Close flushes whatever was indexed, even after a partial run.
	if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error().Err(err).Msg("failed to persist index")
		os.Exit(1)
	}

	logger.Info().
		Int("files", res.Files).
		Int("artifacts", res.Artifacts).
		Int("chunks", res.Chunks).
		Int("failed", res.Failed).
		Msg("indexing finished")
	if runErr != nil {
		logger.Error().Err(runErr).Msg("indexing incomplete")
		os.Exit(1)
	}
}
