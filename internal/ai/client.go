package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrEmbeddingUnavailable is returned when the embedding model cannot be
	// loaded or reached.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrGenerationFailed wraps every answer-generation failure.
	ErrGenerationFailed = errors.New("generation failed")
)

// Client turns text into fixed-length vectors.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Generator produces free text from a system instruction and a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderStub   Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey     string
	EmbedModel string
	ChatModel  string
	Dim        int
	ProjectID  string
	Provider   Provider
	Location   string
	// BaseURL overrides the provider endpoint.
	BaseURL string
	// RequestsPerSecond limits outgoing calls; zero disables limiting.
	RequestsPerSecond float64
	// AnswerEnabled allows the client to be used as a Generator.
	AnswerEnabled bool
	Timeout       time.Duration
}

// NewClient creates a new AI client based on configuration
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// NewGenerator returns c as a Generator when answering is enabled, the
// client supports generation and credentials are present. It returns nil
// otherwise, which selects keyword fallback answering.
func NewGenerator(c Client, config *ClientConfig) Generator {
	if c == nil || config == nil || !config.AnswerEnabled {
		return nil
	}
	g, ok := c.(Generator)
	if !ok {
		return nil
	}
	switch config.Provider {
	case ProviderOpenAI:
		if strings.TrimSpace(config.APIKey) == "" {
			return nil
		}
	case ProviderGemini:
		if strings.TrimSpace(config.APIKey) == "" && strings.TrimSpace(config.ProjectID) == "" {
			return nil
		}
	}
	return g
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

func embedErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
}

func generateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGenerationFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
}
