// Package generate wraps a raw text generation provider with output budget
// clamping, per-call timeouts, and retry handling for timeouts, rate limits,
// and empty token-limit responses.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/segment"
)

// Tier groups models by provider quota.
type Tier string

const (
	TierFast  Tier = "fast"
	TierHeavy Tier = "heavy"
)

// TierForModel puts flash and lite models in the fast tier, along with
// OpenAI's small models whose name has a separate "mini" segment
// (gpt-4o-mini, o4-mini). "gemini" alone is not enough.
func TierForModel(model string) Tier {
	m := strings.ToLower(model)
	if strings.Contains(m, "flash") || strings.Contains(m, "lite") || m == "stub" {
		return TierFast
	}
	segments := strings.FieldsFunc(m, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '/'
	})
	for _, seg := range segments {
		if seg == "mini" {
			return TierFast
		}
	}
	return TierHeavy
}

// TierPolicy holds rate-limit waits for one tier.
type TierPolicy struct {
	// RateLimitDelay is used when the provider gives no hint.
	RateLimitDelay time.Duration
	// HintBuffer is added to a provider hint, and HintFloor bounds it below.
	HintBuffer time.Duration
	HintFloor  time.Duration
}

type Config struct {
	ContextWindow   int
	SafetyBuffer    int
	MinOutputTokens int
	HardCeiling     int

	MaxRetries  int
	Timeout     time.Duration
	MaxTimeout  time.Duration
	Temperature float32

	// Timeout retries wait TimeoutBackoff*(attempt+1), capped at MaxBackoff.
	// Unclassified errors wait TransientBackoff*2^attempt, same cap.
	TimeoutBackoff    time.Duration
	TransientBackoff  time.Duration
	MaxBackoff        time.Duration
	TokenLimitBackoff time.Duration

	ShrinkRatio           float64
	OutputShrinkThreshold int

	Fast  TierPolicy
	Heavy TierPolicy
}

func DefaultConfig() Config {
	return Config{
		ContextWindow:         1_000_000,
		SafetyBuffer:          50_000,
		MinOutputTokens:       500,
		HardCeiling:           55_000,
		MaxRetries:            3,
		Timeout:               60 * time.Second,
		MaxTimeout:            300 * time.Second,
		Temperature:           0.3,
		TimeoutBackoff:        5 * time.Second,
		TransientBackoff:      time.Second,
		MaxBackoff:            20 * time.Second,
		TokenLimitBackoff:     time.Second,
		ShrinkRatio:           0.7,
		OutputShrinkThreshold: 5000,
		Fast:                  TierPolicy{RateLimitDelay: 40 * time.Second, HintBuffer: 5 * time.Second, HintFloor: 35 * time.Second},
		Heavy:                 TierPolicy{RateLimitDelay: 50 * time.Second, HintBuffer: 10 * time.Second, HintFloor: 45 * time.Second},
	}
}

// OutputBudget clamps a requested output size against the context window:
// min(requested, window-prompt-buffer, ceiling), raised to the floor when the
// prompt leaves less room than that. A non-positive request means "as much as
// allowed".
func (c Config) OutputBudget(prompt string, requested int) int {
	available := c.ContextWindow - segment.EstimateTokens(prompt) - c.SafetyBuffer
	budget := c.HardCeiling
	if requested > 0 && requested < budget {
		budget = requested
	}
	if available < budget {
		budget = available
	}
	if budget < c.MinOutputTokens {
		budget = c.MinOutputTokens
	}
	return budget
}

func (c Config) policy(model string) TierPolicy {
	if TierForModel(model) == TierFast {
		return c.Fast
	}
	return c.Heavy
}

// RateLimitWait is the sleep before retrying after a rate limit.
func (c Config) RateLimitWait(model string, hint time.Duration) time.Duration {
	p := c.policy(model)
	if hint <= 0 {
		return p.RateLimitDelay
	}
	return max(hint+p.HintBuffer, p.HintFloor)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Client struct {
	gen   ai.Generator
	cfg   Config
	sleep Sleeper
}

type Option func(*Client)

// WithSleeper replaces the real clock, mostly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

func New(gen ai.Generator, cfg Config, opts ...Option) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.ShrinkRatio <= 0 || cfg.ShrinkRatio >= 1 {
		cfg.ShrinkRatio = 0.7
	}
	c := &Client{gen: gen, cfg: cfg, sleep: SleepContext}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the client's effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Model names the underlying model.
func (c *Client) Model() string { return c.gen.Model() }

func (c *Client) Provider() string { return c.gen.Provider() }

type Result struct {
	Text         string
	TokensUsed   int
	Model        string
	Provider     string
	FinishReason string
	Attempts     int
	// Truncated is set when the model stopped at the output limit but still
	// returned usable text.
	Truncated bool
	// PromptShrunk is set when the variable section was cut to fit.
	PromptShrunk bool
}

// Generate runs the prompt with retries. timeout bounds each attempt; zero
// uses the configured default.
func (c *Client) Generate(ctx context.Context, p Prompt, maxTokens int, timeout time.Duration) (Result, error) {
	return c.run(ctx, p, maxTokens, timeout, func(ctx context.Context, req ai.GenerateRequest) (ai.GenerateResponse, bool, error) {
		resp, err := c.gen.Generate(ctx, req)
		return resp, false, err
	})
}

// GenerateStream forwards text deltas to onDelta as they arrive. An attempt
// that fails before any delta was forwarded is retried like Generate; once
// output has reached the caller a failure is final.
func (c *Client) GenerateStream(ctx context.Context, p Prompt, maxTokens int, timeout time.Duration, onDelta func(string) error) (Result, error) {
	return c.run(ctx, p, maxTokens, timeout, func(ctx context.Context, req ai.GenerateRequest) (ai.GenerateResponse, bool, error) {
		emitted := false
		resp, err := c.gen.GenerateStream(ctx, req, func(d string) error {
			emitted = true
			return onDelta(d)
		})
		return resp, emitted, err
	})
}

type callFunc func(ctx context.Context, req ai.GenerateRequest) (resp ai.GenerateResponse, emitted bool, err error)

func (c *Client) run(ctx context.Context, p Prompt, maxTokens int, timeout time.Duration, call callFunc) (Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	model := c.gen.Model()

	var (
		lastErr  error
		lastKind Kind
		hint     time.Duration
	)
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		text := p.Text()
		req := ai.GenerateRequest{
			System:      p.System,
			Prompt:      text,
			MaxTokens:   c.cfg.OutputBudget(p.System+text, maxTokens),
			Temperature: c.cfg.Temperature,
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, emitted, err := call(callCtx, req)
		cancel()

		if ctx.Err() != nil {
			return Result{}, &Error{Kind: KindFatal, Attempts: attempt + 1, Err: ctx.Err()}
		}

		kind, cause := c.outcome(resp, err)
		if kind == 0 {
			truncated := resp.FinishReason == ai.FinishMaxTokens
			if truncated {
				log.Info().Str("model", model).Int("max_tokens", req.MaxTokens).Msg("generation stopped at output limit, keeping partial text")
			}
			return Result{
				Text:         resp.Text,
				TokensUsed:   resp.TokensUsed,
				Model:        firstNonEmpty(resp.Model, model),
				Provider:     c.gen.Provider(),
				FinishReason: resp.FinishReason,
				Attempts:     attempt + 1,
				Truncated:    truncated,
				PromptShrunk: p.Truncated(),
			}, nil
		}

		lastErr, lastKind = cause, kind
		if !kind.Retryable() || emitted {
			if emitted && kind.Retryable() {
				kind = KindFatal
			}
			return Result{}, &Error{Kind: kind, Attempts: attempt + 1, Timeout: timeout, Err: cause}
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		var delay time.Duration
		switch kind {
		case KindTimeout:
			delay = min(c.cfg.TimeoutBackoff*time.Duration(attempt+1), c.cfg.MaxBackoff)
			next := time.Duration(math.Min(float64(timeout)*1.5, float64(c.cfg.MaxTimeout)))
			log.Warn().Err(cause).Int("attempt", attempt+1).Dur("timeout", timeout).Dur("next_timeout", next).Dur("delay", delay).Msg("generation timed out, retrying")
			timeout = next
		case KindRateLimit:
			hint = Classify(cause).RetryAfter
			delay = c.cfg.RateLimitWait(model, hint)
			log.Warn().Err(cause).Int("attempt", attempt+1).Dur("delay", delay).Str("tier", string(TierForModel(model))).Msg("generation rate limited, waiting")
		case KindTokenLimit:
			delay = c.cfg.TokenLimitBackoff
			if p.Truncatable() {
				before := len([]rune(p.Body))
				p = p.Shrink(c.cfg.ShrinkRatio)
				log.Warn().Int("attempt", attempt+1).Int("body_before", before).Int("body_after", len([]rune(p.Body))).Msg("no content before token limit, shrinking prompt")
			} else if maxTokens > c.cfg.OutputShrinkThreshold || (maxTokens <= 0 && c.cfg.HardCeiling > c.cfg.OutputShrinkThreshold) {
				if maxTokens <= 0 {
					maxTokens = c.cfg.HardCeiling
				}
				maxTokens /= 2
				log.Warn().Int("attempt", attempt+1).Int("max_tokens", maxTokens).Msg("no content before token limit, halving output budget")
			} else {
				log.Warn().Int("attempt", attempt+1).Msg("no content before token limit and nothing left to shrink")
			}
		default:
			delay = min(c.cfg.TransientBackoff*time.Duration(1<<attempt), c.cfg.MaxBackoff)
			log.Warn().Err(cause).Int("attempt", attempt+1).Dur("delay", delay).Msg("generation failed, retrying")
		}

		if err := c.sleep(ctx, delay); err != nil {
			return Result{}, &Error{Kind: KindFatal, Attempts: attempt + 1, Err: err}
		}
	}

	if lastKind == KindTransient {
		lastKind = KindFatal
	}
	return Result{}, &Error{Kind: lastKind, Attempts: c.cfg.MaxRetries, Timeout: timeout, RetryAfter: hint, Err: lastErr}
}

// outcome returns zero for an acceptable response, otherwise the failure
// kind and an error describing it.
func (c *Client) outcome(resp ai.GenerateResponse, err error) (Kind, error) {
	if err != nil {
		return Classify(err).Kind, err
	}
	switch resp.FinishReason {
	case ai.FinishStop, "":
		if strings.TrimSpace(resp.Text) == "" {
			return KindTransient, errors.New("model returned an empty response")
		}
		return 0, nil
	case ai.FinishMaxTokens:
		if resp.Parts == 0 && resp.Text == "" {
			return KindTokenLimit, errors.New("finish reason MAX_TOKENS with no content parts")
		}
		return 0, nil
	default:
		return KindSafetyBlock, fmt.Errorf("finish reason %s", resp.FinishReason)
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
