package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/codeqa/internal/auth"
	"github.com/seanblong/codeqa/internal/config"
	"github.com/seanblong/codeqa/internal/rag"
)

const (
	flushInterval   = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("codeqa-api", pflag.ExitOnError)
	fs.String("issue-token", "", "Print a bearer token for this subject and exit")
	fs.StringSlice("token-scopes", []string{auth.ScopeRead}, "Scopes of the issued token (read, write)")

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger

	authn, err := auth.New(cfg.Auth.JwtSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, cfg.Auth.Enabled)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}

	if subject, _ := fs.GetString("issue-token"); subject != "" {
		scopes, _ := fs.GetStringSlice("token-scopes")
		token, err := authn.IssueToken(subject, scopes...)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger.Info().
		Str("provider", cfg.Provider).
		Str("backend", cfg.Index.Backend).
		Str("log_level", cfg.LogLevel).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Msg("starting codeqa api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := rag.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open engine")
	}

	srv := &server{
		engine:       eng,
		auth:         authn,
		indexTimeout: 10 * cfg.RAG.EmbedTimeout,
		askTimeout:   cfg.RAG.EmbedTimeout + cfg.RAG.AnswerTimeout,
	}

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{
		Addr:              address,
		Handler:           srv.handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go flushLoop(ctx, eng, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("index flush on shutdown failed")
		os.Exit(1)
	}
	logger.Info().Msg("index flushed, bye")
}

// flushLoop persists pending index writes periodically so a crash loses at
// most one interval of indexing.
func flushLoop(ctx context.Context, eng *rag.Engine, logger zerolog.Logger) {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := eng.Flush(ctx); err != nil {
				logger.Error().Err(err).Msg("periodic index flush failed")
			}
		}
	}
}
