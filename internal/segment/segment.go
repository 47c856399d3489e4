// Package segment splits extracted document text into overlapping,
// token-bounded chunks that respect sentence boundaries.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/studyqa/pkg/models"
)

// ErrSegmentation marks input that cannot be segmented. It is never retried.
var ErrSegmentation = errors.New("segmentation failed")

// Segmenter is safe for concurrent use when its Tokenizer is.
type Segmenter struct {
	maxTokens int
	overlap   int
	tok       Tokenizer
	split     func(string) []string
}

type Option func(*Segmenter)

// WithTokenizer overrides the default character-estimate tokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(s *Segmenter) {
		if t != nil {
			s.tok = t
		}
	}
}

func WithSentenceSplitter(fn func(string) []string) Option {
	return func(s *Segmenter) {
		if fn != nil {
			s.split = fn
		}
	}
}

// New returns a Segmenter producing chunks of at most maxTokens tokens,
// each seeded with roughly overlap tokens from the end of its predecessor.
func New(maxTokens, overlap int, opts ...Option) (*Segmenter, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive, got %d", ErrSegmentation, maxTokens)
	}
	if overlap < 0 || overlap >= maxTokens {
		return nil, fmt.Errorf("%w: overlap %d must be in [0,%d)", ErrSegmentation, overlap, maxTokens)
	}
	s := &Segmenter{
		maxTokens: maxTokens,
		overlap:   overlap,
		tok:       EstimateCounter{},
		split:     SplitSentences,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// MaxTokens reports the configured chunk size.
func (s *Segmenter) MaxTokens() int { return s.maxTokens }

// CountTokens counts with the segmenter's tokenizer.
func (s *Segmenter) CountTokens(text string) int { return s.tok.Count(text) }

// unit is a sentence or, inside an oversized sentence, a word.
type unit struct {
	text   string
	tokens int
}

// Segment splits text into chunks in source order. Only Text, TokenCount and
// ChunkIndex are set; callers own identity and provenance fields. Output is
// a pure function of text and configuration.
func (s *Segmenter) Segment(text string) ([]models.Chunk, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrSegmentation)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var pieces []string
	var run []unit
	for _, sentence := range s.split(text) {
		u := unit{text: sentence, tokens: s.tok.Count(sentence)}
		if u.tokens <= s.maxTokens {
			run = append(run, u)
			continue
		}
		// oversized sentence: close the run, then split it on words
		pieces = append(pieces, s.greedy(run)...)
		run = nil
		words := fields(sentence)
		wordUnits := make([]unit, 0, len(words))
		for _, w := range words {
			wordUnits = append(wordUnits, unit{text: w, tokens: s.tok.Count(w)})
		}
		pieces = append(pieces, s.greedy(wordUnits)...)
	}
	pieces = append(pieces, s.greedy(run)...)

	chunks := make([]models.Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, models.Chunk{
			Text:       p,
			TokenCount: s.tok.Count(p),
			ChunkIndex: i,
		})
	}
	return chunks, nil
}

// greedy accumulates units while the joined text fits maxTokens. When the
// next unit does not fit, the current chunk closes and the next one is seeded
// by walking backward through the closed chunk until overlap tokens are
// covered. Seed units are dropped from the front if the seed plus the
// incoming unit would not fit.
func (s *Segmenter) greedy(units []unit) []string {
	var out []string
	var cur []unit
	for _, u := range units {
		if len(cur) > 0 && s.tok.Count(join(append(cur[:len(cur):len(cur)], u))) > s.maxTokens {
			out = append(out, join(cur))
			cur = s.tail(cur)
			for len(cur) > 0 && s.tok.Count(join(append(cur[:len(cur):len(cur)], u))) > s.maxTokens {
				cur = cur[1:]
			}
		}
		cur = append(cur, u)
	}
	if len(cur) > 0 {
		out = append(out, join(cur))
	}
	return out
}

func (s *Segmenter) tail(closed []unit) []unit {
	if s.overlap == 0 {
		return nil
	}
	n, tokens := 0, 0
	for i := len(closed) - 1; i >= 0 && tokens < s.overlap; i-- {
		tokens += closed[i].tokens
		n++
	}
	seed := make([]unit, n)
	copy(seed, closed[len(closed)-n:])
	return seed
}

func join(units []unit) string {
	parts := make([]string, len(units))
	for i, u := range units {
		parts[i] = u.text
	}
	return strings.Join(parts, " ")
}
