package synth

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/pkg/models"
)

type AnswerRequest struct {
	Question    string        `json:"question"`
	K           int           `json:"k"`
	Collection  string        `json:"-"`
	DocumentIDs []string      `json:"document_ids,omitempty"`
	History     []models.Turn `json:"history,omitempty"`
}

type AnswerResult struct {
	Text       string                   `json:"answer"`
	Sources    []models.RetrievalResult `json:"sources"`
	TokensUsed int                      `json:"tokens_used"`
	Model      string                   `json:"model,omitempty"`
	// Failed is set when Text carries an error message instead of an answer.
	Failed bool `json:"failed,omitempty"`
}

// StreamEvent is one increment of a streamed answer. The last event has Done
// set and carries either Full or Err.
type StreamEvent struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Full  string `json:"full,omitempty"`
	Err   string `json:"error,omitempty"`
}

const defaultK = 10

func errorAnswer(err error) string {
	return "Error generating answer: " + err.Error()
}

// prepare retrieves context and builds the prompt. ok is false when nothing
// relevant was found.
func (o *Orchestrator) prepare(ctx context.Context, req AnswerRequest) (results []models.RetrievalResult, ok bool, p promptParts) {
	k := req.K
	if k <= 0 {
		k = defaultK
	}
	question := strings.TrimSpace(req.Question)
	results = o.ret.Retrieve(ctx, question, k, req.Collection, store.Filter{DocumentIDs: req.DocumentIDs})
	if len(results) == 0 {
		return results, false, promptParts{}
	}
	return results, true, promptParts{
		question: question,
		context:  buildContext(results, o.cfg.ContextCharBudget),
		history:  historyBlock(req.History, o.cfg.HistoryTurns, o.cfg.HistoryTurnChars),
	}
}

type promptParts struct {
	question, context, history string
}

// Answer retrieves context for the question and generates one answer. A
// failed generation yields an error message as the answer text, never an
// error.
func (o *Orchestrator) Answer(ctx context.Context, req AnswerRequest) AnswerResult {
	results, ok, parts := o.prepare(ctx, req)
	if !ok {
		return AnswerResult{Text: NoContext, Sources: results}
	}

	res, err := o.gen.Generate(ctx, answerPrompt(parts.question, parts.context, parts.history), o.cfg.AnswerMaxTokens, 0)
	if err != nil {
		log.Error().Err(err).Str("collection", req.Collection).Msg("answer generation failed")
		return AnswerResult{Text: errorAnswer(err), Sources: results, Failed: true}
	}
	return AnswerResult{
		Text:       strings.TrimSpace(res.Text),
		Sources:    results,
		TokensUsed: res.TokensUsed,
		Model:      res.Model,
	}
}

// AnswerStream is Answer with incremental output. emit receives each delta
// and then exactly one Done event; callers persist only on that event. The
// returned error is non-nil only when emit fails.
func (o *Orchestrator) AnswerStream(ctx context.Context, req AnswerRequest, emit func(StreamEvent) error) error {
	_, ok, parts := o.prepare(ctx, req)
	if !ok {
		if err := emit(StreamEvent{Delta: NoContext}); err != nil {
			return err
		}
		return emit(StreamEvent{Done: true, Full: NoContext})
	}

	var (
		full    strings.Builder
		emitErr error
	)
	_, err := o.gen.GenerateStream(ctx, answerPrompt(parts.question, parts.context, parts.history), o.cfg.AnswerMaxTokens, 0,
		func(delta string) error {
			full.WriteString(delta)
			if err := emit(StreamEvent{Delta: delta}); err != nil {
				emitErr = err
				return err
			}
			return nil
		})
	if emitErr != nil {
		return emitErr
	}
	if err != nil {
		log.Error().Err(err).Str("collection", req.Collection).Msg("streamed answer generation failed")
		return emit(StreamEvent{Done: true, Err: errorAnswer(err)})
	}
	return emit(StreamEvent{Done: true, Full: full.String()})
}
