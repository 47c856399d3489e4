package config

import (
	"time"

	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/auth"
	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/internal/synth"
)

func (c Specification) ClientConfig() (*ai.ClientConfig, error) {
	provider, err := ai.ParseProvider(c.Provider)
	if err != nil {
		return nil, err
	}
	return &ai.ClientConfig{
		APIKey:        c.APIKey,
		EmbedModel:    c.EmbedModel,
		GenerateModel: c.GenerateModel,
		Dim:           c.Dim,
		ProjectID:     c.ProjectID,
		Provider:      provider,
		Location:      c.Location,
		BaseURL:       c.BaseURL,
	}, nil
}

// GenerateConfig starts from the generation client defaults and applies the
// configured budget, retry and tier settings.
func (c Specification) GenerateConfig() generate.Config {
	g := c.Generation
	cfg := generate.DefaultConfig()
	setPositive(&cfg.ContextWindow, g.ContextWindow)
	setPositive(&cfg.SafetyBuffer, g.SafetyBuffer)
	setPositive(&cfg.MinOutputTokens, g.MinOutputTokens)
	setPositive(&cfg.HardCeiling, g.HardOutputCeiling)
	setPositive(&cfg.MaxRetries, g.MaxRetries)
	if g.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(g.TimeoutSeconds) * time.Second
	}
	if g.MaxTimeoutSeconds > 0 {
		cfg.MaxTimeout = time.Duration(g.MaxTimeoutSeconds) * time.Second
	}
	if g.FastTierRateLimitDelay > 0 {
		cfg.Fast.RateLimitDelay = g.FastTierRateLimitDelay
	}
	if g.HeavyTierRateLimitDelay > 0 {
		cfg.Heavy.RateLimitDelay = g.HeavyTierRateLimitDelay
	}
	return cfg
}

func (c Specification) SynthConfig() synth.Config {
	s := c.Synthesis
	cfg := synth.DefaultConfig()
	setPositive(&cfg.FanInThreshold, s.FanInThreshold)
	setPositive(&cfg.GroupSize, s.GroupSize)
	setPositive(&cfg.MergeTargetChars, s.MergeTargetChars)
	setPositive(&cfg.ContextCharBudget, s.ContextCharBudget)
	setPositive(&cfg.HistoryTurns, s.HistoryTurns)
	setPositive(&cfg.HistoryTurnChars, s.HistoryTurnChars)
	setPositive(&cfg.MaxOutputTokens, c.Generation.MaxOutputTokens)
	// zero delays are meaningful here: they disable the throttle
	cfg.FastDelay = c.Generation.FastTierDelay
	cfg.HeavyDelay = c.Generation.HeavyTierDelay
	if s.FastRateLimitPause > 0 {
		cfg.FastRateLimitDelay = s.FastRateLimitPause
	}
	if s.HeavyRateLimitPause > 0 {
		cfg.HeavyRateLimitDelay = s.HeavyRateLimitPause
	}
	if s.RateLimitPauseBuffer > 0 {
		cfg.RateLimitBuffer = s.RateLimitPauseBuffer
	}
	if s.RateLimitPauseFloor > 0 {
		cfg.RateLimitFloor = s.RateLimitPauseFloor
	}
	return cfg
}

func (c Specification) AuthConfig() auth.Config {
	return auth.Config{
		Enabled:   c.Auth.Enabled,
		JwtSecret: c.Auth.JwtSecret,
		Issuer:    c.Auth.Issuer,
	}
}

func setPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
