package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/seanblong/codeqa/internal/ai"
	"github.com/seanblong/codeqa/internal/auth"
	"github.com/seanblong/codeqa/internal/rag"
	"github.com/seanblong/codeqa/internal/vectorindex"
	"github.com/seanblong/codeqa/pkg/models"
)

const (
	maxArtifactBytes = 32 << 20
	maxQuestionBytes = 64 << 10
	requestIDHeader  = "X-Request-Id"
)

// engine is the subset of *rag.Engine the handlers use.
type engine interface {
	Index(ctx context.Context, a models.AnalysisArtifact) (int, error)
	Remove(ctx context.Context, artifactID string) error
	Ask(ctx context.Context, question, artifactID string) (models.Answer, error)
	Stats() rag.Stats
}

type server struct {
	engine       engine
	auth         *auth.Authenticator
	indexTimeout time.Duration
	askTimeout   time.Duration
}

type askRequest struct {
	Question   string `json:"question"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

type indexResponse struct {
	ArtifactID string `json:"artifact_id"`
	Chunks     int    `json:"chunks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	read := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(auth.ScopeRead, h) }
	write := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(auth.ScopeWrite, h) }

	mux.Handle("POST /v1/artifacts", write(s.handleIndex))
	mux.Handle("DELETE /v1/artifacts/{id}", write(s.handleRemove))
	mux.Handle("POST /v1/ask", read(s.handleAsk))
	mux.Handle("GET /v1/stats", read(s.handleStats))
	return mux
}

// handler wraps the routes with request ids and access logging.
func (s *server) handler(logger zerolog.Logger) http.Handler {
	return hlog.NewHandler(logger)(
		requestID(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("dur", dur).
					Msg("http")
			})(s.routes()),
		),
	)
}

// requestID propagates or assigns an X-Request-Id and adds it to the
// request logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("req_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var a models.AnalysisArtifact
	if err := decodeBody(w, r, maxArtifactBytes, &a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid artifact: "+err.Error())
		return
	}
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.indexTimeout)
	defer cancel()
	n, err := s.engine.Index(ctx, a)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("artifact_id", a.ID).Msg("index failed")
		writeError(w, indexStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{ArtifactID: strings.TrimSpace(a.ID), Chunks: n})
}

func indexStatus(err error) int {
	switch {
	case errors.Is(err, rag.ErrInvalidArtifact), errors.Is(err, vectorindex.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Remove(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rag.ErrInvalidArtifact) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeBody(w, r, maxQuestionBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.askTimeout)
	defer cancel()
	ans, err := s.engine.Ask(ctx, req.Question, req.ArtifactID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rag.ErrInvalidQuestion) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	hlog.FromRequest(r).Debug().
		Str("artifact_id", ans.ArtifactID).
		Str("mode", string(ans.Mode)).
		Float64("confidence", ans.Confidence).
		Str("subject", auth.SubjectFromContext(r.Context())).
		Msg("answered")
	writeJSON(w, http.StatusOK, ans)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
