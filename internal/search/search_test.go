package search

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockEmbedder implements the ai.Embedder interface for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *MockEmbedder) Dim() int { return 3 }

// MockStore implements the store.ChunkStore interface for testing
type MockStore struct {
	SimilaritySearchFunc func(ctx context.Context, collection string, vec []float32, k int, f store.Filter) ([]store.Match, error)
	ListChunksFunc       func(ctx context.Context, collection string, documentIDs []string) ([]models.Chunk, error)
}

func (m *MockStore) Migrate(ctx context.Context, dim int) error { return nil }

func (m *MockStore) Add(ctx context.Context, collection string, chunks []models.Chunk, vectors [][]float32) error {
	return nil
}

func (m *MockStore) SimilaritySearch(ctx context.Context, collection string, vec []float32, k int, f store.Filter) ([]store.Match, error) {
	if m.SimilaritySearchFunc != nil {
		return m.SimilaritySearchFunc(ctx, collection, vec, k, f)
	}
	return []store.Match{}, nil
}

func (m *MockStore) ListChunks(ctx context.Context, collection string, documentIDs []string) ([]models.Chunk, error) {
	if m.ListChunksFunc != nil {
		return m.ListChunksFunc(ctx, collection, documentIDs)
	}
	return []models.Chunk{}, nil
}

func (m *MockStore) ListDocuments(ctx context.Context, collection string) ([]string, error) {
	return []string{}, nil
}

func (m *MockStore) Delete(ctx context.Context, collection string, f store.Filter) (int64, error) {
	return 0, nil
}

func (m *MockStore) DocumentHash(ctx context.Context, collection, documentID string) (string, bool, error) {
	return "", false, nil
}

func (m *MockStore) ReplaceDocument(ctx context.Context, collection, documentID, hash string, chunks []models.Chunk, vectors [][]float32) (int64, error) {
	return 0, nil
}

func TestScore(t *testing.T) {
	tests := []struct {
		d    float64
		want float64
	}{
		{0, 1},
		{0.08, 0.92},
		{1, 0},
		{1.4, 0},
		{2, 0},
		{-0.01, 1},
	}
	for _, tt := range tests {
		got := Score(tt.d)
		if got < tt.want-1e-9 || got > tt.want+1e-9 {
			t.Errorf("Score(%v): expected %v, got %v", tt.d, tt.want, got)
		}
		if got < 0 || got > 1 {
			t.Errorf("Score(%v) = %v out of range", tt.d, got)
		}
	}
}

func TestService_Retrieve(t *testing.T) {
	paris := models.Chunk{ID: "c1", DocumentID: "geo", Text: "The capital of France is Paris."}

	tests := []struct {
		name       string
		query      string
		k          int
		filter     store.Filter
		embedFunc  func(ctx context.Context, text string) ([]float32, error)
		searchFunc func(ctx context.Context, collection string, vec []float32, k int, f store.Filter) ([]store.Match, error)
		want       []models.RetrievalResult
	}{
		{
			name:   "results scored and filter passed through",
			query:  "  What is the capital of France?  ",
			k:      5,
			filter: store.Filter{DocumentIDs: []string{"geo", "hist"}},
			embedFunc: func(ctx context.Context, text string) ([]float32, error) {
				if text != "What is the capital of France?" {
					t.Errorf("Expected trimmed query, got %q", text)
				}
				return []float32{1, 0, 0}, nil
			},
			searchFunc: func(ctx context.Context, collection string, vec []float32, k int, f store.Filter) ([]store.Match, error) {
				if collection != "user_7_docs" || k != 5 {
					t.Errorf("Unexpected collection %s or k %d", collection, k)
				}
				if !reflect.DeepEqual(f.DocumentIDs, []string{"geo", "hist"}) {
					t.Errorf("Expected filter to reach the store, got %v", f.DocumentIDs)
				}
				return []store.Match{{Chunk: paris, Distance: 0.08}, {Chunk: paris, Distance: 1.3}}, nil
			},
			want: []models.RetrievalResult{{Chunk: paris, Score: 1 - 0.08}, {Chunk: paris, Score: 0}},
		},
		{
			name:  "empty collection",
			query: "anything",
			k:     5,
			want:  []models.RetrievalResult{},
		},
		{
			name:  "embedding failure degrades to empty",
			query: "anything",
			k:     5,
			embedFunc: func(ctx context.Context, text string) ([]float32, error) {
				return nil, errors.New("embedding service down")
			},
			searchFunc: func(ctx context.Context, collection string, vec []float32, k int, f store.Filter) ([]store.Match, error) {
				t.Error("Store should not be queried without a vector")
				return nil, nil
			},
			want: []models.RetrievalResult{},
		},
		{
			name:  "store failure degrades to empty",
			query: "anything",
			k:     5,
			searchFunc: func(ctx context.Context, collection string, vec []float32, k int, f store.Filter) ([]store.Match, error) {
				return nil, errors.New("connection refused")
			},
			want: []models.RetrievalResult{},
		},
		{
			name:  "blank query",
			query: "   ",
			k:     5,
			want:  []models.RetrievalResult{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&MockEmbedder{EmbedFunc: tt.embedFunc}, &MockStore{SimilaritySearchFunc: tt.searchFunc})
			got := svc.Retrieve(context.Background(), tt.query, tt.k, "user_7_docs", tt.filter)
			if got == nil {
				t.Fatal("Expected non-nil result slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d results, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Chunk.ID != tt.want[i].Chunk.ID {
					t.Errorf("Result %d: expected chunk %s, got %s", i, tt.want[i].Chunk.ID, got[i].Chunk.ID)
				}
				if d := got[i].Score - tt.want[i].Score; d > 1e-9 || d < -1e-9 {
					t.Errorf("Result %d: expected score %v, got %v", i, tt.want[i].Score, got[i].Score)
				}
			}
		})
	}
}

func TestService_DocumentChunks(t *testing.T) {
	st := &MockStore{ListChunksFunc: func(ctx context.Context, collection string, ids []string) ([]models.Chunk, error) {
		return nil, errors.New("pool closed")
	}}
	svc := NewService(&MockEmbedder{}, st)
	if _, err := svc.DocumentChunks(context.Background(), "c", []string{"d"}); !errors.Is(err, ErrRetrieval) {
		t.Errorf("Expected ErrRetrieval, got %v", err)
	}
	if err := (&Service{}).Check(); !errors.Is(err, ErrRetrieval) {
		t.Errorf("Expected ErrRetrieval from unconfigured service, got %v", err)
	}
	if err := svc.Check(); err != nil {
		t.Errorf("Expected configured service to pass, got %v", err)
	}
}
