package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/auth"
	"github.com/seanblong/studyqa/internal/indexer"
	"github.com/seanblong/studyqa/internal/jobs"
	"github.com/seanblong/studyqa/internal/segment"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/internal/synth"
	"github.com/seanblong/studyqa/pkg/models"
)

type documentService interface {
	IngestText(ctx context.Context, req indexer.IngestRequest) (indexer.IngestResult, error)
	DeleteDocument(ctx context.Context, collection, documentID string) (int64, error)
}

type documentLister interface {
	ListDocuments(ctx context.Context, collection string) ([]string, error)
}

type retriever interface {
	Retrieve(ctx context.Context, q string, k int, collection string, f store.Filter) []models.RetrievalResult
}

type answerer interface {
	Answer(ctx context.Context, req synth.AnswerRequest) synth.AnswerResult
	AnswerStream(ctx context.Context, req synth.AnswerRequest, emit func(synth.StreamEvent) error) error
}

type jobQueue interface {
	Enqueue(ctx context.Context, req synth.NoteRequest) (models.Job, error)
	Status(ctx context.Context, id string) (models.Job, error)
}

type server struct {
	auth      *auth.Authenticator
	documents documentService
	lister    documentLister
	retriever retriever
	answerer  answerer
	jobs      jobQueue
	notes     store.NoteStore

	ingestTimeout time.Duration
	answerTimeout time.Duration
}

const maxBodyBytes = 32 << 20

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	protect := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }
	mux.Handle("GET /api/documents", protect(s.handleListDocuments))
	mux.Handle("POST /api/documents", protect(s.handleIngest))
	mux.Handle("DELETE /api/documents/{id...}", protect(s.handleDeleteDocument))
	mux.Handle("GET /api/retrieve", protect(s.handleRetrieve))
	mux.Handle("POST /api/answer", protect(s.handleAnswer))
	mux.Handle("POST /api/answer/stream", protect(s.handleAnswerStream))
	mux.Handle("POST /api/notes", protect(s.handleCreateNotes))
	mux.Handle("GET /api/notes/{id}", protect(s.handleGetNote))
	mux.Handle("GET /api/jobs/{id}", protect(s.handleJobStatus))
	return mux
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// caller is only nil when the middleware was bypassed.
func caller(w http.ResponseWriter, r *http.Request) *auth.User {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	}
	return u
}

type ingestBody struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Pages      []struct {
		Number int    `json:"number"`
		Text   string `json:"text"`
	} `json:"pages,omitempty"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	var body ingestBody
	if !decodeBody(w, r, &body) {
		return
	}
	req := indexer.IngestRequest{Collection: u.Collection, DocumentID: strings.TrimSpace(body.DocumentID), Text: body.Text}
	for _, p := range body.Pages {
		req.Pages = append(req.Pages, indexer.Page{Number: p.Number, Text: p.Text})
	}
	if req.DocumentID == "" {
		writeError(w, r, http.StatusBadRequest, "document_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ingestTimeout)
	defer cancel()
	res, err := s.documents.IngestText(ctx, req)
	if err != nil {
		var embedErr *ai.EmbeddingError
		switch {
		case errors.Is(err, segment.ErrSegmentation):
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		case errors.As(err, &embedErr):
			hlog.FromRequest(r).Error().Err(err).Str("document_id", req.DocumentID).Msg("embedding failed")
			writeError(w, r, http.StatusBadGateway, "embedding service unavailable")
		default:
			hlog.FromRequest(r).Error().Err(err).Str("document_id", req.DocumentID).Msg("ingest failed")
			writeError(w, r, http.StatusInternalServerError, "failed to index document")
		}
		return
	}
	status := http.StatusCreated
	if res.Unchanged {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ids, err := s.lister.ListDocuments(ctx, u.Collection)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list documents failed")
		writeError(w, r, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string][]string{"documents": ids})
}

func (s *server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	n, err := s.documents.DeleteDocument(ctx, u.Collection, id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("document_id", id).Msg("delete failed")
		writeError(w, r, http.StatusInternalServerError, "failed to delete document")
		return
	}
	if n == 0 {
		writeError(w, r, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"document_id": id, "deleted_chunks": n})
}

func (s *server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, http.StatusBadRequest, "missing query parameter q")
		return
	}
	k := 5
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid k %q", v))
			return
		}
		k = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	results := s.retriever.Retrieve(ctx, q, k, u.Collection, store.Filter{DocumentIDs: r.URL.Query()["document_id"]})
	writeJSON(w, r, http.StatusOK, results)
}

func (s *server) answerRequest(w http.ResponseWriter, r *http.Request) (synth.AnswerRequest, bool) {
	u := caller(w, r)
	if u == nil {
		return synth.AnswerRequest{}, false
	}
	var req synth.AnswerRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusBadRequest, "question is required")
		return req, false
	}
	req.Collection = u.Collection
	return req, true
}

func (s *server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	req, ok := s.answerRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.answerTimeout)
	defer cancel()
	writeJSON(w, r, http.StatusOK, s.answerer.Answer(ctx, req))
}

// handleAnswerStream relays answer deltas as server-sent events. Each event
// is one JSON-encoded StreamEvent; the last has done set.
func (s *server) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.answerRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithTimeout(r.Context(), s.answerTimeout)
	defer cancel()
	logger := hlog.FromRequest(r)
	err := s.answerer.AnswerStream(ctx, req, func(ev synth.StreamEvent) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		if ev.Done {
			logger.Info().Int("chars", len(ev.Full)).Bool("failed", ev.Err != "").Msg("answer stream complete")
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("answer stream aborted")
	}
}

type notesBody struct {
	DocumentIDs  []string `json:"document_ids"`
	Style        string   `json:"style"`
	Instructions string   `json:"instructions,omitempty"`
}

func (s *server) handleCreateNotes(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	var body notesBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.DocumentIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "document_ids is required")
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), synth.NoteRequest{
		UserID:       u.ID,
		Collection:   u.Collection,
		DocumentIDs:  body.DocumentIDs,
		Style:        models.ParseNoteStyle(body.Style),
		Instructions: body.Instructions,
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("enqueue note job failed")
		writeError(w, r, http.StatusServiceUnavailable, "failed to queue note generation")
		return
	}
	hlog.FromRequest(r).Info().Str("job_id", job.ID).Int("documents", len(body.DocumentIDs)).Msg("note job queued")
	writeJSON(w, r, http.StatusAccepted, job)
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	job, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	// other users' jobs are reported as missing
	if errors.Is(err, jobs.ErrJobNotFound) || (err == nil && job.UserID != u.ID) {
		writeError(w, r, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("job status failed")
		writeError(w, r, http.StatusInternalServerError, "failed to read job status")
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

func (s *server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	u := caller(w, r)
	if u == nil {
		return
	}
	note, err := s.notes.GetNote(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNoteNotFound) || (err == nil && note.UserID != u.ID) {
		writeError(w, r, http.StatusNotFound, "note not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get note failed")
		writeError(w, r, http.StatusInternalServerError, "failed to read note")
		return
	}
	writeJSON(w, r, http.StatusOK, note)
}
