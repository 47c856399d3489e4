package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/internal/synth"
	"github.com/seanblong/studyqa/pkg/models"
)

// NoteGenerator runs one note job. *synth.Orchestrator satisfies it.
type NoteGenerator interface {
	GenerateNotes(ctx context.Context, req synth.NoteRequest) (synth.NoteResult, error)
}

type Worker struct {
	Queue *Queue
	Notes store.NoteStore
	Synth NoteGenerator

	PollTimeout  time.Duration
	ErrorBackoff time.Duration
	sleep        generate.Sleeper
}

func NewWorker(q *Queue, notes store.NoteStore, gen NoteGenerator) *Worker {
	return &Worker{
		Queue:        q,
		Notes:        notes,
		Synth:        gen,
		PollTimeout:  5 * time.Second,
		ErrorBackoff: time.Second,
		sleep:        generate.SleepContext,
	}
}

// Run processes jobs one at a time until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Msg("note worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("note worker stopping")
			return nil
		}
		req, err := w.Queue.Dequeue(ctx, w.PollTimeout)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		var bad *MalformedJobError
		if errors.As(err, &bad) {
			log.Error().Err(err).Str("job_id", bad.JobID).Msg("dropping malformed job")
			if bad.JobID != "" {
				w.markFailed(context.WithoutCancel(ctx), bad.JobID, err)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("failed to dequeue job")
			_ = w.sleep(ctx, w.ErrorBackoff)
			continue
		}
		w.Process(ctx, req)
	}
}

// Process runs one job and leaves its status in a terminal phase.
func (w *Worker) Process(ctx context.Context, req synth.NoteRequest) {
	logger := log.With().Str("job_id", req.JobID).Str("user_id", req.UserID).Logger()
	if req.Collection == "" {
		req.Collection = store.CollectionFor(req.UserID)
	}
	// terminal writes must land even if the worker is shutting down
	statusCtx := context.WithoutCancel(ctx)

	res, err := w.Synth.GenerateNotes(ctx, req)
	if err != nil {
		var je *synth.JobError
		if !errors.As(err, &je) {
			w.markFailed(statusCtx, req.JobID, err)
		}
		logger.Error().Err(err).Msg("note job failed")
		return
	}

	note := &models.Note{
		UserID:      req.UserID,
		DocumentIDs: req.DocumentIDs,
		Style:       models.ParseNoteStyle(string(req.Style)),
		Content:     res.Text,
		Metadata:    res.Metadata,
	}
	if err := w.Notes.SaveNote(statusCtx, note); err != nil {
		logger.Error().Err(err).Msg("failed to save note")
		w.markFailed(statusCtx, req.JobID, err)
		return
	}
	if err := w.Queue.Complete(statusCtx, req.JobID, note.ID); err != nil {
		logger.Error().Err(err).Msg("failed to mark job completed")
		return
	}
	logger.Info().Str("note_id", note.ID).Int("summaries", len(res.Summaries)).Msg("note job completed")
}

func (w *Worker) markFailed(ctx context.Context, id string, cause error) {
	if err := w.Queue.SetPhase(ctx, id, models.PhaseFailed, cause.Error()); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to record job failure")
	}
}
