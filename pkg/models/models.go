package models

import "time"

// PageRange marks the source pages a chunk was cut from.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Chunk struct {
	ID         string     `json:"id"`
	Collection string     `json:"collection"`
	DocumentID string     `json:"document_id"`
	ChunkIndex int        `json:"chunk_index"`
	Text       string     `json:"text"`
	TokenCount int        `json:"token_count"`
	Pages      *PageRange `json:"page_range,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RetrievalResult is one ranked chunk; Score lies in [0,1].
type RetrievalResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

type Summary struct {
	Text       string `json:"text"`
	ChunkRef   string `json:"chunk_ref"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	Fallback   bool   `json:"fallback,omitempty"`
}

// Turn is one prior message in a chat session.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type NoteStyle string

const (
	StyleShort       NoteStyle = "short"
	StyleModerate    NoteStyle = "moderate"
	StyleDescriptive NoteStyle = "descriptive"
)

// ParseNoteStyle maps unknown or empty values to StyleModerate.
func ParseNoteStyle(s string) NoteStyle {
	switch NoteStyle(s) {
	case StyleShort, StyleModerate, StyleDescriptive:
		return NoteStyle(s)
	}
	return StyleModerate
}

type Note struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	DocumentIDs []string       `json:"document_ids"`
	Style       NoteStyle      `json:"style"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

type JobPhase string

const (
	PhaseQueued       JobPhase = "queued"
	PhaseRetrieving   JobPhase = "retrieving"
	PhaseSummarizing  JobPhase = "summarizing"
	PhaseSynthesizing JobPhase = "synthesizing"
	PhaseCompleted    JobPhase = "completed"
	PhaseFailed       JobPhase = "failed"
)

// Terminal reports whether no further transitions can happen.
func (p JobPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Phase     JobPhase  `json:"phase"`
	Error     string    `json:"error,omitempty"`
	NoteID    string    `json:"note_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
