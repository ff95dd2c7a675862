package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

type GeminiClient struct {
	config  *ClientConfig
	client  *genai.Client
	limiter *rate.Limiter
}

// NewGeminiClient creates a client for Gemini models. An API key selects the
// Gemini API backend; otherwise Vertex AI is used with project and location.
func NewGeminiClient(ctx context.Context, config *ClientConfig) (*GeminiClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-004"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}

	apiKey := strings.TrimSpace(config.APIKey)
	project := strings.TrimSpace(config.ProjectID)
	if apiKey == "" && project == "" {
		return nil, errors.New("failed to create Gemini client: api key or project id is required")
	}

	cc := genai.ClientConfig{}
	if apiKey != "" {
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = apiKey
	} else {
		if config.Location == "" {
			config.Location = "us-central1"
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = project
		cc.Location = config.Location
	}

	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		config:  config,
		client:  client,
		limiter: newLimiter(config.RequestsPerSecond),
	}, nil
}

// Embed embeds a search query.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds documents for storage in the index.
func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, taskRetrievalDocument)
}

const (
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

func (c *GeminiClient) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if c.client == nil {
		return nil, embedErr(errors.New("gemini client not initialized"))
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, embedErr(err)
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dim := int32(c.config.Dim)
	cfg := genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dim,
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, embedErr(fmt.Errorf("embedding failed: %w", err))
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, embedErr(errors.New("no embedding returned"))
	}

	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, embedErr(fmt.Errorf("empty embedding at position %d", i))
		}
		out[i] = e.Values
	}
	return out, nil
}

// Generate implements answer generation using the Gemini API
func (c *GeminiClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if c.client == nil {
		return "", generateErr(errors.New("gemini client not initialized"))
	}
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return "", generateErr(err)
	}

	temp := float32(0.2)
	cfg := genai.GenerateContentConfig{
		Temperature:       &temp,
		MaxOutputTokens:   600,
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.ChatModel, genai.Text(prompt), &cfg)
	if err != nil {
		return "", generateErr(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", generateErr(errors.New("no answer returned"))
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *GeminiClient) Dim() int {
	return c.config.Dim
}
