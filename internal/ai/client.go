package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// Embedder turns text into fixed-dimension vectors. The same model must serve
// index-time and query-time calls.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Generator is a single raw completion call with no retry logic.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(string) error) (GenerateResponse, error)
	Model() string
	Provider() string
}

// Client provides both embedding and text generation.
type Client interface {
	Embedder
	Generator
}

// Normalized finish reasons. Provider specific values not listed here are
// passed through upper-cased.
const (
	FinishStop      = "STOP"
	FinishMaxTokens = "MAX_TOKENS"
	FinishSafety    = "SAFETY"
)

type GenerateRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

type GenerateResponse struct {
	Text         string
	FinishReason string
	TokensUsed   int
	Model        string
	// Parts is the number of content parts the provider returned. A response
	// with FinishReason MAX_TOKENS and zero parts hit the limit before
	// producing anything.
	Parts int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ParseProvider accepts the config spellings of each provider.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "google", "gemini":
		return ProviderVertexAI, nil
	case "stub", "":
		return ProviderStub, nil
	}
	return "", fmt.Errorf("unsupported provider: %s", s)
}

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey        string
	EmbedModel    string
	GenerateModel string
	Dim           int
	ProjectID     string
	Provider      Provider
	Location      string
	BaseURL       string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// EmbeddingError wraps any failure of the embedding service. Callers never
// receive zero vectors in place of an error.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ProviderError is a non-success response from a model endpoint.
type ProviderError struct {
	Provider   string
	StatusCode int
	Status     string
	Message    string
	// RetryAfter is the server suggested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d %s", e.Provider, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// StubClient is a deterministic offline client for tests and local runs
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 64
	}
	return &StubClient{dim: dim}
}

// Embed hashes words into buckets so texts sharing vocabulary land close
// together under cosine distance.
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(s.dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func (s *StubClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Generate echoes the start of the prompt's last paragraph.
func (s *StubClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, err
	}
	body := req.Prompt
	if i := strings.LastIndex(body, "\n\n"); i >= 0 && i+2 < len(body) {
		body = body[i+2:]
	}
	text := strings.TrimSpace(body)
	if r := []rune(text); len(r) > 400 {
		text = string(r[:400])
	}
	if text == "" {
		text = "No content."
	}
	return GenerateResponse{
		Text:         text,
		FinishReason: FinishStop,
		TokensUsed:   (len(req.Prompt) + len(text)) / 4,
		Model:        s.Model(),
		Parts:        1,
	}, nil
}

func (s *StubClient) GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(string) error) (GenerateResponse, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	for _, w := range strings.SplitAfter(resp.Text, " ") {
		if err := onDelta(w); err != nil {
			return GenerateResponse{}, err
		}
	}
	return resp, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func (s *StubClient) Model() string    { return "stub" }
func (s *StubClient) Provider() string { return string(ProviderStub) }
