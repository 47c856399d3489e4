package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.GenerateModel == "" {
		config.GenerateModel = "gemini-2.5-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed embeds a single search query. Queries and stored chunks use the same
// model with paired task types.
func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, "RETRIEVAL_QUERY", "query")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds document chunks in a single EmbedContent call.
func (c *VertexAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, "RETRIEVAL_DOCUMENT", "batch")
}

func (c *VertexAIClient) embed(ctx context.Context, texts []string, taskType, op string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := genai.EmbedContentConfig{
		TaskType: taskType,
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, &EmbeddingError{Op: op, Err: providerErrorFromGenai(err)}
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		got := 0
		if res != nil {
			got = len(res.Embeddings)
		}
		return nil, &EmbeddingError{Op: op, Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), got)}
	}

	vecs := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, &EmbeddingError{Op: op, Err: fmt.Errorf("empty embedding at index %d", i)}
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}

// safetySettings relaxes blocking to high-probability harm only; study
// material about history or medicine trips the default thresholds.
var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
}

func (c *VertexAIClient) contentConfig(req GenerateRequest) *genai.GenerateContentConfig {
	temp := req.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(req.MaxTokens),
		SafetySettings:  safetySettings,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}

func (c *VertexAIClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.config.GenerateModel, genai.Text(req.Prompt), c.contentConfig(req))
	if err != nil {
		return GenerateResponse{}, providerErrorFromGenai(err)
	}
	return c.convert(resp)
}

// GenerateStream forwards each streamed text part to onDelta and folds the
// chunks into one response.
func (c *VertexAIClient) GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(string) error) (GenerateResponse, error) {
	var (
		full strings.Builder
		out  = GenerateResponse{Model: c.config.GenerateModel}
	)
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.GenerateModel, genai.Text(req.Prompt), c.contentConfig(req)) {
		if err != nil {
			return GenerateResponse{}, providerErrorFromGenai(err)
		}
		if resp != nil && len(resp.Candidates) == 0 && (resp.PromptFeedback == nil || resp.PromptFeedback.BlockReason == "") {
			// usage-only trailer
			if resp.UsageMetadata != nil {
				out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
			}
			continue
		}
		part, err := c.convert(resp)
		if err != nil {
			return GenerateResponse{}, err
		}
		if part.FinishReason != "" {
			out.FinishReason = part.FinishReason
		}
		if part.TokensUsed > 0 {
			out.TokensUsed = part.TokensUsed
		}
		out.Parts += part.Parts
		if part.Text == "" {
			continue
		}
		full.WriteString(part.Text)
		if err := onDelta(part.Text); err != nil {
			return GenerateResponse{}, err
		}
	}
	out.Text = full.String()
	if out.FinishReason == "" {
		out.FinishReason = FinishStop
	}
	return out, nil
}

// convert maps a genai response onto GenerateResponse. Blocked prompts come
// back with no candidates and a prompt feedback block reason.
func (c *VertexAIClient) convert(resp *genai.GenerateContentResponse) (GenerateResponse, error) {
	if resp == nil {
		return GenerateResponse{}, errors.New("empty response from model")
	}
	out := GenerateResponse{Model: c.config.GenerateModel}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			out.FinishReason = FinishSafety
			return out, nil
		}
		return GenerateResponse{}, errors.New("response has no candidates")
	}

	cand := resp.Candidates[0]
	out.FinishReason = string(cand.FinishReason)
	if cand.Content != nil {
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			if p == nil || p.Thought || p.Text == "" {
				continue
			}
			out.Parts++
			b.WriteString(p.Text)
		}
		out.Text = b.String()
	}
	return out, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}

func (c *VertexAIClient) Model() string    { return c.config.GenerateModel }
func (c *VertexAIClient) Provider() string { return string(ProviderVertexAI) }

// providerErrorFromGenai lifts genai API errors into ProviderError so callers
// do not depend on the SDK's error type.
func providerErrorFromGenai(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   string(ProviderVertexAI),
			StatusCode: apiErr.Code,
			Status:     apiErr.Status,
			Message:    apiErr.Message,
		}
	}
	return err
}
