package segment

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// Tokenizer counts tokens the way the generation budget does.
type Tokenizer interface {
	Count(text string) int
}

// TiktokenCounter counts BPE tokens with a tiktoken encoding such as cl100k_base.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding. The first call may fetch the
// BPE ranks, so callers usually go through NewTokenizer which degrades to an
// estimate when that fails.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (t *TiktokenCounter) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates tokens at four characters each.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens is the chars/4 heuristic, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// WordCounter counts whitespace separated words.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(fields(text))
}

// NewTokenizer returns a tiktoken counter for encoding, or the estimate
// counter when the encoding cannot be loaded.
func NewTokenizer(encoding string) Tokenizer {
	if encoding == "" || encoding == "estimate" {
		return EstimateCounter{}
	}
	tc, err := NewTiktokenCounter(encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", encoding).Msg("tiktoken unavailable, falling back to character estimate")
		return EstimateCounter{}
	}
	return tc
}
