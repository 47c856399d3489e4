package synth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/pkg/models"
)

type NoteRequest struct {
	JobID        string           `json:"job_id"`
	UserID       string           `json:"user_id"`
	Collection   string           `json:"collection"`
	DocumentIDs  []string         `json:"document_ids"`
	Style        models.NoteStyle `json:"style"`
	Instructions string           `json:"instructions,omitempty"`
}

type NoteResult struct {
	Text      string
	Summaries []models.Summary
	Metadata  map[string]any
}

// JobError is an unrecoverable note generation failure.
type JobError struct {
	Phase models.JobPhase
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("note generation failed while %s: %v", e.Phase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// group is a run of adjacent chunks from one document summarized together.
type group struct {
	documentID string
	chunkIDs   []string
	text       string
}

// mergeChunks packs adjacent chunks of the same document into groups of at
// most target characters. A chunk longer than target forms its own group.
// chunks must already be in source order.
func mergeChunks(chunks []models.Chunk, target int) []group {
	const sep = "\n\n"
	var (
		out []group
		cur group
		b   strings.Builder
	)
	flush := func() {
		if len(cur.chunkIDs) > 0 {
			cur.text = b.String()
			out = append(out, cur)
		}
		cur = group{}
		b.Reset()
	}
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if len(cur.chunkIDs) > 0 && (c.DocumentID != cur.documentID || b.Len()+len(sep)+len(text) > target) {
			flush()
		}
		if len(cur.chunkIDs) > 0 {
			b.WriteString(sep)
		}
		cur.documentID = c.DocumentID
		cur.chunkIDs = append(cur.chunkIDs, c.ID)
		b.WriteString(text)
	}
	flush()
	return out
}

// partition splits n items into n/size groups of near-equal length, so 25
// items with size 10 become groups of 13 and 12.
func partition[T any](items []T, size int) [][]T {
	k := max(len(items)/size, 1)
	out := make([][]T, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		n := len(items) / k
		if i < len(items)%k {
			n++
		}
		out = append(out, items[start:start+n])
		start += n
	}
	return out
}

func (o *Orchestrator) report(ctx context.Context, jobID string, phase models.JobPhase, errMsg string) {
	log.Info().Str("job_id", jobID).Str("phase", string(phase)).Msg("note job phase")
	if o.reporter == nil || jobID == "" {
		return
	}
	// status writes must land even when the job context was cancelled
	if err := o.reporter.SetPhase(context.WithoutCancel(ctx), jobID, phase, errMsg); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job phase")
	}
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, phase models.JobPhase, err error) error {
	jerr := &JobError{Phase: phase, Err: err}
	log.Error().Err(err).Str("job_id", jobID).Str("phase", string(phase)).Msg("note job failed")
	o.report(ctx, jobID, models.PhaseFailed, jerr.Error())
	return jerr
}

// GenerateNotes summarizes every chunk of the requested documents and merges
// the summaries into one note. Any failure is reported as PhaseFailed before
// returning a *JobError.
func (o *Orchestrator) GenerateNotes(ctx context.Context, req NoteRequest) (NoteResult, error) {
	style := models.ParseNoteStyle(string(req.Style))

	o.report(ctx, req.JobID, models.PhaseRetrieving, "")
	if len(req.DocumentIDs) == 0 {
		return NoteResult{}, o.fail(ctx, req.JobID, models.PhaseRetrieving, errors.New("no documents requested"))
	}
	chunks, err := o.ret.DocumentChunks(ctx, req.Collection, req.DocumentIDs)
	if err != nil {
		return NoteResult{}, o.fail(ctx, req.JobID, models.PhaseRetrieving, err)
	}
	if len(chunks) == 0 {
		return NoteResult{}, o.fail(ctx, req.JobID, models.PhaseRetrieving, errors.New("no chunks found for the requested documents"))
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].DocumentID != chunks[j].DocumentID {
			return chunks[i].DocumentID < chunks[j].DocumentID
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	groups := mergeChunks(chunks, o.cfg.MergeTargetChars)

	o.report(ctx, req.JobID, models.PhaseSummarizing, "")
	summaries, failed, tokens, err := o.summarize(ctx, req, style, groups)
	if err != nil {
		return NoteResult{}, o.fail(ctx, req.JobID, models.PhaseSummarizing, err)
	}

	o.report(ctx, req.JobID, models.PhaseSynthesizing, "")
	text, method, synthTokens, err := o.synthesize(ctx, req, style, summaries)
	if err != nil {
		return NoteResult{}, o.fail(ctx, req.JobID, models.PhaseSynthesizing, err)
	}

	docs := map[string]struct{}{}
	for _, c := range chunks {
		docs[c.DocumentID] = struct{}{}
	}
	return NoteResult{
		Text:      text,
		Summaries: summaries,
		Metadata: map[string]any{
			"total_chunks":     len(chunks),
			"total_groups":     len(groups),
			"total_documents":  len(docs),
			"synthesis_method": method,
			"note_style":       string(style),
			"tokens_used":      tokens + synthTokens,
			"summaries_failed": failed,
			"provider":         o.gen.Provider(),
			"model":            o.gen.Model(),
		},
	}, nil
}

// summarize runs one generation per group in order. Failures are absorbed:
// safety blocks fall back to an extractive summary and rate limits pause
// before the next group. It errors only when no summary was produced.
func (o *Orchestrator) summarize(ctx context.Context, req NoteRequest, style models.NoteStyle, groups []group) ([]models.Summary, int, int, error) {
	var (
		summaries []models.Summary
		failed    int
		tokens    int
		lastErr   error
	)
	for i, g := range groups {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, failed, tokens, err
		}
		ref := strings.Join(g.chunkIDs, ",")
		res, err := o.gen.Generate(ctx, summaryPrompt(g.text, style, req.Instructions), o.cfg.MaxOutputTokens, 0)
		if ctx.Err() != nil {
			return nil, failed, tokens, ctx.Err()
		}
		if err == nil && strings.TrimSpace(res.Text) == "" {
			err = fmt.Errorf("empty summary for chunks %s", ref)
		}
		if err == nil {
			summaries = append(summaries, models.Summary{
				Text:       strings.TrimSpace(res.Text),
				ChunkRef:   ref,
				Provider:   res.Provider,
				Model:      res.Model,
				TokensUsed: res.TokensUsed,
			})
			tokens += res.TokensUsed
			continue
		}

		failed++
		lastErr = err
		logger := log.Warn().Err(err).Str("job_id", req.JobID).Str("document_id", g.documentID).Int("group", i)

		switch generate.KindOf(err) {
		case generate.KindSafetyBlock:
			if fb := extractiveSummary(g.text); fb != "" {
				logger.Msg("summary blocked by safety filter, using extractive fallback")
				summaries = append(summaries, models.Summary{
					Text:     fallbackPrefix + fb,
					ChunkRef: ref,
					Provider: "fallback",
					Model:    "extractive",
					Fallback: true,
				})
				continue
			}
			logger.Msg("summary blocked by safety filter and no fallback text")
		case generate.KindRateLimit:
			if i == len(groups)-1 {
				logger.Msg("summary rate limited")
				break
			}
			var retryAfter time.Duration
			var ge *generate.Error
			if errors.As(err, &ge) {
				retryAfter = ge.RetryAfter
			}
			delay := o.cfg.rateLimitPause(o.gen.Model(), retryAfter)
			logger.Dur("delay", delay).Msg("summary rate limited, pausing before next chunk")
			if serr := o.sleep(ctx, delay); serr != nil {
				return nil, failed, tokens, serr
			}
		default:
			logger.Msg("summary failed, continuing")
		}
	}
	if len(summaries) == 0 {
		return nil, failed, tokens, fmt.Errorf("failed to create any summaries: all %d chunk groups failed: %w", failed, lastErr)
	}
	return summaries, failed, tokens, nil
}

// synthesize merges summaries directly, or in two levels when there are more
// than the fan-in threshold.
func (o *Orchestrator) synthesize(ctx context.Context, req NoteRequest, style models.NoteStyle, summaries []models.Summary) (string, string, int, error) {
	texts := make([]string, len(summaries))
	for i, s := range summaries {
		texts[i] = strings.TrimPrefix(s.Text, fallbackPrefix)
	}

	tokens := 0
	method := "direct"
	if len(texts) > o.cfg.FanInThreshold {
		method = "hierarchical"
		parts := partition(texts, o.cfg.GroupSize)
		intermediate := make([]string, 0, len(parts))
		for i, part := range parts {
			text, used, err := o.synthesizeOnce(ctx, part, style, req.Instructions)
			if err != nil {
				return "", method, tokens, fmt.Errorf("intermediate synthesis %d of %d: %w", i+1, len(parts), err)
			}
			tokens += used
			intermediate = append(intermediate, text)
		}
		log.Info().Str("job_id", req.JobID).Int("summaries", len(texts)).Int("groups", len(parts)).Msg("intermediate synthesis complete")
		texts = intermediate
	}

	text, used, err := o.synthesizeOnce(ctx, texts, style, req.Instructions)
	if err != nil {
		return "", method, tokens, err
	}
	return text, method, tokens + used, nil
}

func (o *Orchestrator) synthesizeOnce(ctx context.Context, sections []string, style models.NoteStyle, instructions string) (string, int, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", 0, err
	}
	maxTokens := o.cfg.MaxOutputTokens
	res, err := o.gen.Generate(ctx, synthesisPrompt(sections, style, instructions), maxTokens, synthesisTimeout(maxTokens))
	if err != nil {
		return "", 0, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", 0, errors.New("synthesis returned no text")
	}
	return text, res.TokensUsed, nil
}
