package ai

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const openAIBaseURL = "https://api.openai.com/v1"

type OpenAIClient struct {
	config *ClientConfig
	http   *http.Client
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.GenerateModel == "" {
		config.GenerateModel = "gpt-4o-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = openAIBaseURL
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			// text-embedding-3-small and ada-002
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}

	// Corporate proxies sometimes re-sign TLS.
	if skipTLS, _ := strconv.ParseBool(os.Getenv("STUDYQA_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	// No client-wide timeout: each call carries its own deadline in ctx.
	httpClient := &http.Client{
		Transport: transport,
	}

	return &OpenAIClient{
		config: config,
		http:   httpClient,
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one request and returns vectors in input order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.config.APIKey == "" {
		return nil, &EmbeddingError{Op: "batch", Err: errors.New("PROVIDER_API_KEY unset")}
	}

	payload := map[string]any{
		"input": texts,
		"model": c.config.EmbedModel,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, &EmbeddingError{Op: "batch", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, &EmbeddingError{Op: "batch", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Op: "batch", Err: err}
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &EmbeddingError{Op: "batch", Err: c.providerError(resp)}
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EmbeddingError{Op: "batch", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Data) != len(texts) {
		return nil, &EmbeddingError{Op: "batch", Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Data))}
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		if len(d.Embedding) == 0 {
			return nil, &EmbeddingError{Op: "batch", Err: fmt.Errorf("empty embedding at index %d", i)}
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *OpenAIClient) chatPayload(req GenerateRequest, stream bool) map[string]any {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	payload := map[string]any{
		"model":       c.config.GenerateModel,
		"messages":    msgs,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]bool{"include_usage": true}
	}
	return payload
}

func (c *OpenAIClient) postChat(ctx context.Context, payload map[string]any) (*http.Response, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer closeBody(resp)
		return nil, c.providerError(resp)
	}
	return resp, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	resp, err := c.postChat(ctx, c.chatPayload(req, false))
	if err != nil {
		return GenerateResponse{}, err
	}
	defer closeBody(resp)

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return GenerateResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return GenerateResponse{}, errors.New("no choices")
	}

	text := out.Choices[0].Message.Content
	parts := 0
	if text != "" {
		parts = 1
	}
	return GenerateResponse{
		Text:         text,
		FinishReason: openAIFinishReason(out.Choices[0].FinishReason),
		TokensUsed:   out.Usage.TotalTokens,
		Model:        firstNonEmpty(out.Model, c.config.GenerateModel),
		Parts:        parts,
	}, nil
}

// GenerateStream reads the server-sent event stream and calls onDelta for
// each content fragment. The returned response carries the full text.
func (c *OpenAIClient) GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(string) error) (GenerateResponse, error) {
	resp, err := c.postChat(ctx, c.chatPayload(req, true))
	if err != nil {
		return GenerateResponse{}, err
	}
	defer closeBody(resp)

	var (
		full   strings.Builder
		finish string
		tokens int
		model  string
		parts  int
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var ev struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return GenerateResponse{}, fmt.Errorf("decode stream event: %w", err)
		}
		if ev.Model != "" {
			model = ev.Model
		}
		if ev.Usage != nil {
			tokens = ev.Usage.TotalTokens
		}
		for _, ch := range ev.Choices {
			if ch.FinishReason != nil {
				finish = *ch.FinishReason
			}
			if ch.Delta.Content == "" {
				continue
			}
			parts++
			full.WriteString(ch.Delta.Content)
			if err := onDelta(ch.Delta.Content); err != nil {
				return GenerateResponse{}, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return GenerateResponse{}, fmt.Errorf("read stream: %w", err)
	}

	return GenerateResponse{
		Text:         full.String(),
		FinishReason: openAIFinishReason(finish),
		TokensUsed:   tokens,
		Model:        firstNonEmpty(model, c.config.GenerateModel),
		Parts:        parts,
	}, nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) Model() string    { return c.config.GenerateModel }
func (c *OpenAIClient) Provider() string { return string(ProviderOpenAI) }

// setHeaders sets common headers for OpenAI requests
func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}

func (c *OpenAIClient) providerError(resp *http.Response) error {
	pe := &ProviderError{
		Provider:   string(ProviderOpenAI),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs > 0 {
		pe.RetryAfter = time.Duration(secs * float64(time.Second))
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		pe.Message = e.Error.Message
	} else {
		pe.Message = strings.TrimSpace(string(body))
	}
	return pe
}

func openAIFinishReason(r string) string {
	switch r {
	case "stop", "":
		return FinishStop
	case "length":
		return FinishMaxTokens
	case "content_filter":
		return FinishSafety
	default:
		return strings.ToUpper(r)
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close response body")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
