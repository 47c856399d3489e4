package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockTransport implements http.RoundTripper for testing
type MockTransport struct {
	mu        sync.RWMutex
	responses map[string]mockResponse
	requests  []*http.Request
	bodies    []string
}

type mockResponse struct {
	status int
	body   string
	header http.Header
}

func NewMockTransport() *MockTransport {
	return &MockTransport{responses: make(map[string]mockResponse)}
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		m.bodies = append(m.bodies, string(b))
	}

	key := fmt.Sprintf("%s %s", req.Method, req.URL.String())
	if r, ok := m.responses[key]; ok {
		h := make(http.Header)
		for k, v := range r.header {
			h[k] = append([]string(nil), v...)
		}
		return &http.Response{
			StatusCode: r.status,
			Status:     fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
			Body:       io.NopCloser(strings.NewReader(r.body)),
			Header:     h,
		}, nil
	}

	return &http.Response{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "Mock not configured"}}`)),
		Header:     make(http.Header),
	}, nil
}

func (m *MockTransport) AddResponse(method, url string, statusCode int, body string) {
	m.AddResponseWithHeader(method, url, statusCode, body, nil)
}

func (m *MockTransport) AddResponseWithHeader(method, url string, statusCode int, body string, header http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[fmt.Sprintf("%s %s", method, url)] = mockResponse{status: statusCode, body: body, header: header}
}

func (m *MockTransport) GetBodies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.bodies))
	copy(out, m.bodies)
	return out
}

// Helper function to create a client with mock transport
func createMockClient(transport *MockTransport) *OpenAIClient {
	client := NewOpenAIClient(&ClientConfig{
		APIKey:        "test-api-key",
		EmbedModel:    "text-embedding-3-small",
		GenerateModel: "gpt-4o-mini",
		Dim:           3,
		ProjectID:     "test-project",
	})
	client.http = &http.Client{Transport: transport, Timeout: 5 * time.Second}
	return client
}

const (
	embeddingsURL = "https://api.openai.com/v1/embeddings"
	chatURL       = "https://api.openai.com/v1/chat/completions"
)

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name             string
		config           *ClientConfig
		expectedEmbed    string
		expectedGenerate string
		expectedDim      int
	}{
		{
			name:             "with all models specified",
			config:           &ClientConfig{APIKey: "k", EmbedModel: "custom-embed", GenerateModel: "custom-gen", Dim: 768},
			expectedEmbed:    "custom-embed",
			expectedGenerate: "custom-gen",
			expectedDim:      768,
		},
		{
			name:             "with default models",
			config:           &ClientConfig{APIKey: "k"},
			expectedEmbed:    "text-embedding-3-small",
			expectedGenerate: "gpt-4o-mini",
			expectedDim:      1536,
		},
		{
			name:             "large embedding model",
			config:           &ClientConfig{APIKey: "k", EmbedModel: "text-embedding-3-large"},
			expectedEmbed:    "text-embedding-3-large",
			expectedGenerate: "gpt-4o-mini",
			expectedDim:      3072,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOpenAIClient(tt.config)
			if client.config.EmbedModel != tt.expectedEmbed {
				t.Errorf("Expected embed model %s, got %s", tt.expectedEmbed, client.config.EmbedModel)
			}
			if client.Model() != tt.expectedGenerate {
				t.Errorf("Expected generate model %s, got %s", tt.expectedGenerate, client.Model())
			}
			if client.Dim() != tt.expectedDim {
				t.Errorf("Expected dim %d, got %d", tt.expectedDim, client.Dim())
			}
			if client.config.BaseURL != openAIBaseURL {
				t.Errorf("Expected base URL %s, got %s", openAIBaseURL, client.config.BaseURL)
			}
		})
	}
}

func TestOpenAIClient_EmbedBatch(t *testing.T) {
	transport := NewMockTransport()
	// out of order on purpose
	transport.AddResponse("POST", embeddingsURL, 200, `{"data":[
		{"index":1,"embedding":[0.4,0.5,0.6]},
		{"index":0,"embedding":[0.1,0.2,0.3]}
	]}`)
	client := createMockClient(transport)

	vecs, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.4 {
		t.Errorf("Expected vectors in input order, got %v", vecs)
	}

	bodies := transport.GetBodies()
	if len(bodies) != 1 {
		t.Fatalf("Expected one round trip, got %d", len(bodies))
	}
	var payload struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if len(payload.Input) != 2 || payload.Model != "text-embedding-3-small" {
		t.Errorf("Unexpected payload %+v", payload)
	}
}

func TestOpenAIClient_EmbedErrors(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		status     int
		body       string
		header     http.Header
		wantStatus int
		wantRetry  time.Duration
	}{
		{name: "missing key", apiKey: ""},
		{name: "rate limited", apiKey: "k", status: 429, body: `{"error":{"message":"Rate limit reached"}}`,
			header: http.Header{"Retry-After": []string{"2.5"}}, wantStatus: 429, wantRetry: 2500 * time.Millisecond},
		{name: "server error", apiKey: "k", status: 503, body: `upstream down`, wantStatus: 503},
		{name: "count mismatch", apiKey: "k", status: 200, body: `{"data":[]}`},
		{name: "malformed json", apiKey: "k", status: 200, body: `{"data":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			if tt.status != 0 {
				transport.AddResponseWithHeader("POST", embeddingsURL, tt.status, tt.body, tt.header)
			}
			client := createMockClient(transport)
			client.config.APIKey = tt.apiKey

			vec, err := client.Embed(context.Background(), "text")
			if vec != nil {
				t.Errorf("Expected nil vector on failure, got %v", vec)
			}
			var embErr *EmbeddingError
			if !errors.As(err, &embErr) {
				t.Fatalf("Expected EmbeddingError, got %v", err)
			}
			if tt.wantStatus != 0 {
				var pe *ProviderError
				if !errors.As(err, &pe) {
					t.Fatalf("Expected ProviderError inside, got %v", err)
				}
				if pe.StatusCode != tt.wantStatus {
					t.Errorf("Expected status %d, got %d", tt.wantStatus, pe.StatusCode)
				}
				if pe.RetryAfter != tt.wantRetry {
					t.Errorf("Expected retry after %v, got %v", tt.wantRetry, pe.RetryAfter)
				}
			}
		})
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantText   string
		wantFinish string
		wantParts  int
		wantTokens int
	}{
		{
			name:       "normal stop",
			body:       `{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"Paris."},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`,
			wantText:   "Paris.",
			wantFinish: FinishStop,
			wantParts:  1,
			wantTokens: 42,
		},
		{
			name:       "truncated with text",
			body:       `{"choices":[{"message":{"content":"partial"},"finish_reason":"length"}]}`,
			wantText:   "partial",
			wantFinish: FinishMaxTokens,
			wantParts:  1,
		},
		{
			name:       "truncated without content",
			body:       `{"choices":[{"message":{"content":""},"finish_reason":"length"}]}`,
			wantFinish: FinishMaxTokens,
			wantParts:  0,
		},
		{
			name:       "content filter",
			body:       `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`,
			wantFinish: FinishSafety,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			transport.AddResponse("POST", chatURL, 200, tt.body)
			client := createMockClient(transport)

			resp, err := client.Generate(context.Background(), GenerateRequest{System: "sys", Prompt: "q", MaxTokens: 100})
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if resp.Text != tt.wantText {
				t.Errorf("Expected text %q, got %q", tt.wantText, resp.Text)
			}
			if resp.FinishReason != tt.wantFinish {
				t.Errorf("Expected finish %s, got %s", tt.wantFinish, resp.FinishReason)
			}
			if resp.Parts != tt.wantParts {
				t.Errorf("Expected %d parts, got %d", tt.wantParts, resp.Parts)
			}
			if resp.TokensUsed != tt.wantTokens {
				t.Errorf("Expected %d tokens, got %d", tt.wantTokens, resp.TokensUsed)
			}
		})
	}
}

func TestOpenAIClient_GeneratePayload(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", chatURL, 200, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	client := createMockClient(transport)

	if _, err := client.Generate(context.Background(), GenerateRequest{System: "be brief", Prompt: "hello", MaxTokens: 321, Temperature: 0.3}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	var payload struct {
		Model     string        `json:"model"`
		Messages  []chatMessage `json:"messages"`
		MaxTokens int           `json:"max_tokens"`
	}
	if err := json.Unmarshal([]byte(transport.GetBodies()[0]), &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.MaxTokens != 321 {
		t.Errorf("Expected max_tokens 321, got %d", payload.MaxTokens)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].Role != "system" || payload.Messages[1].Content != "hello" {
		t.Errorf("Unexpected messages %+v", payload.Messages)
	}
}

func TestOpenAIClient_GenerateProviderError(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", chatURL, 429, `{"error":{"message":"Quota exceeded, please retry in 12.5 seconds"}}`)
	client := createMockClient(transport)

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if pe.StatusCode != 429 || !strings.Contains(pe.Message, "retry in 12.5 seconds") {
		t.Errorf("Unexpected provider error %+v", pe)
	}
}

func TestOpenAIClient_GenerateStream(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"model":"gpt-4o-mini","choices":[{"delta":{"content":"The capital "},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"is Paris."},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: {"choices":[],"usage":{"total_tokens":17}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	transport := NewMockTransport()
	transport.AddResponse("POST", chatURL, 200, stream)
	client := createMockClient(transport)

	var deltas []string
	resp, err := client.GenerateStream(context.Background(), GenerateRequest{Prompt: "q"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(deltas) != 2 {
		t.Errorf("Expected 2 deltas, got %d", len(deltas))
	}
	if resp.Text != "The capital is Paris." {
		t.Errorf("Expected full text, got %q", resp.Text)
	}
	if resp.FinishReason != FinishStop || resp.TokensUsed != 17 || resp.Parts != 2 {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestOpenAIClient_GenerateStreamCallbackError(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", chatURL, 200, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n")
	client := createMockClient(transport)

	stop := errors.New("client went away")
	_, err := client.GenerateStream(context.Background(), GenerateRequest{Prompt: "q"}, func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error to propagate, got %v", err)
	}
}

func TestOpenAIClient_setHeaders(t *testing.T) {
	tests := []struct {
		name          string
		apiKey        string
		projectID     string
		expectProject bool
	}{
		{"regular key", "sk-1234", "proj", false},
		{"project key with id", "sk-proj-1234", "proj", true},
		{"project key without id", "sk-proj-1234", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewOpenAIClient(&ClientConfig{APIKey: tt.apiKey, ProjectID: tt.projectID})
			req, _ := http.NewRequest("POST", "http://example.com", nil)
			c.setHeaders(req)
			if got := req.Header.Get("Authorization"); got != "Bearer "+tt.apiKey {
				t.Errorf("Expected bearer header, got %q", got)
			}
			if (req.Header.Get("OpenAI-Project") != "") != tt.expectProject {
				t.Errorf("Expected project header presence %v", tt.expectProject)
			}
		})
	}
}

func TestOpenAIClient_InterfaceCompliance(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*VertexAIClient)(nil)
	var _ Client = (*StubClient)(nil)
}
