package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/pkg/models"
)

// ErrRetrieval means the index itself is unusable. An empty result is not
// an error.
var ErrRetrieval = errors.New("vector index unavailable")

type Service struct {
	Client ai.Embedder
	Store  store.ChunkStore
}

// NewService creates a new retrieval service with the provided embedder and store
func NewService(client ai.Embedder, store store.ChunkStore) *Service {
	return &Service{
		Client: client,
		Store:  store,
	}
}

// Check reports ErrRetrieval when the service has no usable index.
func (s *Service) Check() error {
	if s == nil || s.Client == nil || s.Store == nil {
		return fmt.Errorf("%w: retriever is not configured", ErrRetrieval)
	}
	return nil
}

// Score converts a distance into a relevance in [0,1]: 1-d for d <= 1,
// otherwise 0.
func Score(distance float64) float64 {
	if distance < 0 {
		return 1
	}
	if distance <= 1 {
		return 1 - distance
	}
	return 0
}

// Retrieve returns the k chunks of collection most similar to q. Embedding
// or index failures are logged and yield no results.
func (s *Service) Retrieve(ctx context.Context, q string, k int, collection string, f store.Filter) []models.RetrievalResult {
	q = strings.TrimSpace(q)
	out := []models.RetrievalResult{}
	if q == "" || k <= 0 {
		return out
	}

	vec, err := s.Client.Embed(ctx, q)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("query embedding failed, returning no context")
		return out
	}

	matches, err := s.Store.SimilaritySearch(ctx, collection, vec, k, f)
	if err != nil {
		log.Warn().Err(err).Str("collection", collection).Int("k", k).Msg("similarity search failed, returning no context")
		return out
	}
	for _, m := range matches {
		out = append(out, models.RetrievalResult{Chunk: m.Chunk, Score: Score(m.Distance)})
	}
	return out
}

// DocumentChunks fetches all chunks of the given documents in source order.
// Unlike Retrieve, failures are returned.
func (s *Service) DocumentChunks(ctx context.Context, collection string, documentIDs []string) ([]models.Chunk, error) {
	chunks, err := s.Store.ListChunks(ctx, collection, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	return chunks, nil
}
