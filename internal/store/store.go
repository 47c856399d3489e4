package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/studyqa/pkg/models"
)

var (
	ErrNoCollection = errors.New("collection is required")
	ErrNoteNotFound = errors.New("note not found")
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// ChunkStore defines the vector index operations.
type ChunkStore interface {
	Migrate(ctx context.Context, dim int) error
	Add(ctx context.Context, collection string, chunks []models.Chunk, vectors [][]float32) error
	SimilaritySearch(ctx context.Context, collection string, vec []float32, k int, f Filter) ([]Match, error)
	ListChunks(ctx context.Context, collection string, documentIDs []string) ([]models.Chunk, error)
	ListDocuments(ctx context.Context, collection string) ([]string, error)
	Delete(ctx context.Context, collection string, f Filter) (int64, error)
	DocumentHash(ctx context.Context, collection, documentID string) (string, bool, error)
	ReplaceDocument(ctx context.Context, collection, documentID, hash string, chunks []models.Chunk, vectors [][]float32) (int64, error)
}

// NoteStore persists finished notes.
type NoteStore interface {
	SaveNote(ctx context.Context, n *models.Note) error
	GetNote(ctx context.Context, id string) (models.Note, error)
}

// Filter scopes a query to documents inside a collection.
type Filter struct {
	DocumentIDs []string
}

// Empty reports whether the filter selects no particular documents.
func (f Filter) Empty() bool { return len(f.DocumentIDs) == 0 }

// Match is a raw similarity hit. Distance is cosine distance in [0,2].
type Match struct {
	Chunk    models.Chunk
	Distance float64
}

// CollectionFor names the namespace holding a user's chunks.
func CollectionFor(userID string) string {
	return "user_" + userID + "_docs"
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies the schema. The embedding dimension is fixed per index.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
  id           TEXT PRIMARY KEY,
  collection   TEXT NOT NULL,
  document_id  TEXT NOT NULL,
  chunk_index  INT  NOT NULL,
  content      TEXT NOT NULL,
  token_count  INT  NOT NULL DEFAULT 0,
  page_start   INT,
  page_end     INT,
  embedding    vector(%d) NOT NULL,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chunks_collection_doc_idx
  ON chunks (collection, document_id, chunk_index);

CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS documents (
  collection   TEXT NOT NULL,
  document_id  TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  ingested_at  TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (collection, document_id)
);

CREATE TABLE IF NOT EXISTS notes (
  id           TEXT PRIMARY KEY,
  user_id      TEXT NOT NULL,
  document_ids TEXT[] NOT NULL DEFAULT '{}',
  style        TEXT NOT NULL,
  content      TEXT NOT NULL,
  metadata     JSONB,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS notes_user_idx ON notes (user_id);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return err
	}
	s.dim = dim
	return nil
}

// validateAdd checks that chunks and vectors pair up and match the index
// dimension. dim <= 0 skips the dimension check.
func validateAdd(collection string, chunks []models.Chunk, vectors [][]float32, dim int) error {
	if collection == "" {
		return ErrNoCollection
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("chunk %d has an empty embedding", i)
		}
		if dim > 0 && len(v) != dim {
			return fmt.Errorf("chunk %d embedding has dimension %d, index expects %d", i, len(v), dim)
		}
		if len(v) != len(vectors[0]) {
			return fmt.Errorf("chunk %d embedding has dimension %d, batch uses %d", i, len(v), len(vectors[0]))
		}
	}
	return nil
}

const insertChunkSQL = `
	INSERT INTO chunks (
		id, collection, document_id, chunk_index, content, token_count,
		page_start, page_end, embedding, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
	ON CONFLICT (id) DO UPDATE SET
		collection  = EXCLUDED.collection,
		document_id = EXCLUDED.document_id,
		chunk_index = EXCLUDED.chunk_index,
		content     = EXCLUDED.content,
		token_count = EXCLUDED.token_count,
		page_start  = EXCLUDED.page_start,
		page_end    = EXCLUDED.page_end,
		embedding   = EXCLUDED.embedding;`

const upsertDocumentSQL = `
	INSERT INTO documents (collection, document_id, content_hash, ingested_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (collection, document_id) DO UPDATE SET
		content_hash = EXCLUDED.content_hash,
		ingested_at  = EXCLUDED.ingested_at;`

func queueChunks(b *pgx.Batch, collection string, chunks []models.Chunk, vectors [][]float32) {
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		var ps, pe *int
		if c.Pages != nil {
			ps, pe = &c.Pages.Start, &c.Pages.End
		}
		b.Queue(insertChunkSQL, c.ID, collection, c.DocumentID, c.ChunkIndex, c.Text, c.TokenCount,
			ps, pe, pgvector.NewVector(vectors[i]))
	}
}

// Add writes chunks with their embeddings in one transaction. Chunks without
// an ID get a fresh one; an existing ID is overwritten.
func (s *Store) Add(ctx context.Context, collection string, chunks []models.Chunk, vectors [][]float32) error {
	if err := validateAdd(collection, chunks, vectors, s.dim); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		queueChunks(b, collection, chunks, vectors)
		return tx.SendBatch(ctx, b).Close()
	})
}

// ReplaceDocument swaps every chunk of documentID for the given ones and
// records hash, all in one transaction. If any write fails the previous
// chunks and hash stay as they were. It returns how many old chunks went.
func (s *Store) ReplaceDocument(ctx context.Context, collection, documentID, hash string, chunks []models.Chunk, vectors [][]float32) (int64, error) {
	if err := validateAdd(collection, chunks, vectors, s.dim); err != nil {
		return 0, err
	}
	if documentID == "" {
		return 0, errors.New("document id is required")
	}
	for i, c := range chunks {
		if c.DocumentID != documentID {
			return 0, fmt.Errorf("chunk %d belongs to document %q, not %q", i, c.DocumentID, documentID)
		}
	}

	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM chunks WHERE collection = $1 AND document_id = $2`, collection, documentID)
		if err != nil {
			return fmt.Errorf("delete previous chunks: %w", err)
		}
		n = tag.RowsAffected()

		b := &pgx.Batch{}
		queueChunks(b, collection, chunks, vectors)
		b.Queue(upsertDocumentSQL, collection, documentID, hash)
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// filterClause renders f as SQL predicates starting at placeholder next.
func filterClause(f Filter, next int) (string, []any) {
	switch len(f.DocumentIDs) {
	case 0:
		return "", nil
	case 1:
		return fmt.Sprintf(" AND document_id = $%d", next), []any{f.DocumentIDs[0]}
	}
	return fmt.Sprintf(" AND document_id = ANY($%d)", next), []any{f.DocumentIDs}
}

const chunkColumns = `id, collection, document_id, chunk_index, content, token_count, page_start, page_end, created_at`

func scanChunk(row pgx.Row, extra ...any) (models.Chunk, error) {
	var (
		c      models.Chunk
		ps, pe *int
	)
	dest := append([]any{&c.ID, &c.Collection, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.TokenCount, &ps, &pe, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Chunk{}, err
	}
	if ps != nil && pe != nil {
		c.Pages = &models.PageRange{Start: *ps, End: *pe}
	}
	return c, nil
}

// SimilaritySearch returns the k nearest chunks by cosine distance. The
// document filter is applied inside the query, not afterwards.
func (s *Store) SimilaritySearch(ctx context.Context, collection string, vec []float32, k int, f Filter) ([]Match, error) {
	if collection == "" {
		return nil, ErrNoCollection
	}
	if k <= 0 || len(vec) == 0 {
		return []Match{}, nil
	}

	args := []any{collection, pgvector.NewVector(vec)}
	where, fargs := filterClause(f, 3)
	args = append(args, fargs...)
	args = append(args, k)

	q := fmt.Sprintf(`
SELECT %s, embedding <=> $2 AS distance
FROM chunks
WHERE collection = $1%s
ORDER BY distance
LIMIT $%d`, chunkColumns, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Match{}
	for rows.Next() {
		var d float64
		c, err := scanChunk(rows, &d)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{Chunk: c, Distance: d})
	}
	return out, rows.Err()
}

// ListChunks returns every chunk of the given documents in source order.
func (s *Store) ListChunks(ctx context.Context, collection string, documentIDs []string) ([]models.Chunk, error) {
	if collection == "" {
		return nil, ErrNoCollection
	}
	if len(documentIDs) == 0 {
		return []models.Chunk{}, nil
	}
	where, args := filterClause(Filter{DocumentIDs: documentIDs}, 2)
	q := fmt.Sprintf(`SELECT %s FROM chunks WHERE collection = $1%s ORDER BY document_id, chunk_index`, chunkColumns, where)

	rows, err := s.pool.Query(ctx, q, append([]any{collection}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Chunk{}
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDocuments returns the distinct document ids in a collection.
func (s *Store) ListDocuments(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT document_id FROM chunks WHERE collection = $1 ORDER BY document_id", collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Delete removes the chunks selected by f and reports how many went. An
// empty filter deletes nothing.
func (s *Store) Delete(ctx context.Context, collection string, f Filter) (int64, error) {
	if collection == "" {
		return 0, ErrNoCollection
	}
	if f.Empty() {
		return 0, nil
	}
	where, args := filterClause(f, 2)
	args = append([]any{collection}, args...)

	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM chunks WHERE collection = $1"+where, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		_, err = tx.Exec(ctx, "DELETE FROM documents WHERE collection = $1"+where, args...)
		return err
	})
	return n, err
}

// DocumentHash returns the content hash recorded when the document was last
// ingested.
func (s *Store) DocumentHash(ctx context.Context, collection, documentID string) (string, bool, error) {
	var h string
	err := s.pool.QueryRow(ctx,
		`SELECT content_hash FROM documents WHERE collection = $1 AND document_id = $2`,
		collection, documentID).Scan(&h)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return h, true, nil
}

// SaveNote stores n, filling ID and CreatedAt when unset.
func (s *Store) SaveNote(ctx context.Context, n *models.Note) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.DocumentIDs == nil {
		n.DocumentIDs = []string{}
	}
	const q = `
		INSERT INTO notes (id, user_id, document_ids, style, content, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			content  = EXCLUDED.content,
			metadata = EXCLUDED.metadata;`
	_, err := s.pool.Exec(ctx, q, n.ID, n.UserID, n.DocumentIDs, string(n.Style), n.Content, n.Metadata, n.CreatedAt)
	return err
}

func (s *Store) GetNote(ctx context.Context, id string) (models.Note, error) {
	const q = `SELECT id, user_id, document_ids, style, content, metadata, created_at FROM notes WHERE id = $1`
	var (
		n     models.Note
		style string
	)
	err := s.pool.QueryRow(ctx, q, strings.TrimSpace(id)).
		Scan(&n.ID, &n.UserID, &n.DocumentIDs, &style, &n.Content, &n.Metadata, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Note{}, ErrNoteNotFound
		}
		return models.Note{}, err
	}
	n.Style = models.NoteStyle(style)
	return n, nil
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
