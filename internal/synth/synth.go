// Package synth answers questions over retrieved chunks and builds long-form
// notes by summarizing document chunks and merging the summaries.
package synth

import (
	"context"
	"time"

	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/pkg/models"
	"golang.org/x/time/rate"
)

// NoContext is returned instead of calling the model when retrieval finds
// nothing.
const NoContext = "No relevant information found."

// Retriever supplies chunks to the orchestrator.
type Retriever interface {
	Retrieve(ctx context.Context, q string, k int, collection string, f store.Filter) []models.RetrievalResult
	DocumentChunks(ctx context.Context, collection string, documentIDs []string) ([]models.Chunk, error)
}

// Generator is the retrying generation client.
type Generator interface {
	Generate(ctx context.Context, p generate.Prompt, maxTokens int, timeout time.Duration) (generate.Result, error)
	GenerateStream(ctx context.Context, p generate.Prompt, maxTokens int, timeout time.Duration, onDelta func(string) error) (generate.Result, error)
	Model() string
	Provider() string
}

// PhaseReporter receives note job phase transitions.
type PhaseReporter interface {
	SetPhase(ctx context.Context, jobID string, phase models.JobPhase, errMsg string) error
}

type Config struct {
	FanInThreshold    int
	GroupSize         int
	MergeTargetChars  int
	ContextCharBudget int
	HistoryTurns      int
	HistoryTurnChars  int
	AnswerMaxTokens   int
	MaxOutputTokens   int

	// FastDelay and HeavyDelay space out note generation calls per model tier.
	FastDelay  time.Duration
	HeavyDelay time.Duration
	// After a chunk hits a rate limit the next chunk waits
	// max(hint+RateLimitBuffer, RateLimitFloor), or the tier default when the
	// provider gave no hint.
	FastRateLimitDelay  time.Duration
	HeavyRateLimitDelay time.Duration
	RateLimitBuffer     time.Duration
	RateLimitFloor      time.Duration
}

func DefaultConfig() Config {
	return Config{
		FanInThreshold:      20,
		GroupSize:           10,
		MergeTargetChars:    10_000,
		ContextCharBudget:   15_000,
		HistoryTurns:        4,
		HistoryTurnChars:    300,
		AnswerMaxTokens:     8192,
		MaxOutputTokens:     32_768,
		FastDelay:           7 * time.Second,
		HeavyDelay:          45 * time.Second,
		FastRateLimitDelay:  60 * time.Second,
		HeavyRateLimitDelay: 90 * time.Second,
		RateLimitBuffer:     10 * time.Second,
		RateLimitFloor:      40 * time.Second,
	}
}

// Orchestrator is safe for concurrent use. Note generation calls from all
// callers share one throttle.
type Orchestrator struct {
	ret      Retriever
	gen      Generator
	cfg      Config
	limiter  *rate.Limiter
	reporter PhaseReporter
	sleep    generate.Sleeper
}

type Option func(*Orchestrator)

func WithPhaseReporter(r PhaseReporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithSleeper replaces the clock used for rate-limit pauses between chunks.
func WithSleeper(s generate.Sleeper) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleep = s
		}
	}
}

func New(ret Retriever, gen Generator, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.FanInThreshold <= 0 {
		cfg.FanInThreshold = def.FanInThreshold
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = def.GroupSize
	}
	if cfg.MergeTargetChars <= 0 {
		cfg.MergeTargetChars = def.MergeTargetChars
	}
	if cfg.ContextCharBudget <= 0 {
		cfg.ContextCharBudget = def.ContextCharBudget
	}
	if cfg.AnswerMaxTokens <= 0 {
		cfg.AnswerMaxTokens = def.AnswerMaxTokens
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}

	o := &Orchestrator{
		ret:     ret,
		gen:     gen,
		cfg:     cfg,
		limiter: newLimiter(cfg.callDelay(gen.Model())),
		sleep:   generate.SleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

func (c Config) callDelay(model string) time.Duration {
	if generate.TierForModel(model) == generate.TierFast {
		return c.FastDelay
	}
	return c.HeavyDelay
}

// rateLimitPause is the wait before the next chunk after one was rate limited.
func (c Config) rateLimitPause(model string, hint time.Duration) time.Duration {
	if hint > 0 {
		return max(hint+c.RateLimitBuffer, c.RateLimitFloor)
	}
	if generate.TierForModel(model) == generate.TierFast {
		return c.FastRateLimitDelay
	}
	return c.HeavyRateLimitDelay
}

// synthesisTimeout gives long outputs more time: one second per 50 tokens,
// kept between two and five minutes.
func synthesisTimeout(maxTokens int) time.Duration {
	t := time.Duration(maxTokens/50) * time.Second
	return min(max(t, 120*time.Second), 300*time.Second)
}
