package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/studyqa/internal/ai"
	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/internal/segment"
	"github.com/seanblong/studyqa/internal/store"
	"github.com/seanblong/studyqa/pkg/models"
)

const (
	// minTextChars is the least non-space content worth indexing.
	minTextChars     = 100
	defaultBatchSize = 32
	embedAttempts    = 3
	maxWorkers       = 8
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Indexer turns extracted document text into embedded chunks in the vector
// index.
type Indexer struct {
	Store      store.ChunkStore
	Client     ai.Embedder
	Segmenter  *segment.Segmenter
	Root       string
	Collection string
	BatchSize  int
	// RetryBackoff is multiplied by the attempt number between embedding
	// retries.
	RetryBackoff time.Duration
	Walker       FileSystemWalker
	FileReader   FileReader
}

// Page is the extracted text of one source page, numbered from 1.
type Page struct {
	Number int
	Text   string
}

type IngestRequest struct {
	Collection string
	DocumentID string
	Text       string
	// Pages, when set, replaces Text and carries page numbers onto chunks.
	Pages []Page
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	// Unchanged is set when the stored hash matched and nothing was written.
	Unchanged bool  `json:"unchanged"`
	Replaced  int64 `json:"replaced"`
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// New creates a new Indexer instance.
func New(s store.ChunkStore, client ai.Embedder, seg *segment.Segmenter, root, collection string, batchSize int) *Indexer {
	return NewWithDependencies(s, client, seg, root, collection, batchSize, &DefaultFileSystemWalker{}, &DefaultFileReader{})
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(s store.ChunkStore, client ai.Embedder, seg *segment.Segmenter, root, collection string, batchSize int, walker FileSystemWalker, fileReader FileReader) *Indexer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Indexer{
		Store:        s,
		Client:       client,
		Segmenter:    seg,
		Root:         root,
		Collection:   collection,
		BatchSize:    batchSize,
		RetryBackoff: time.Second,
		Walker:       walker,
		FileReader:   fileReader,
	}
}

// cleanText drops invalid UTF-8 and non-printable characters other than
// whitespace.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
}

func contentChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// IngestText segments, embeds, and stores one document. Re-ingesting
// unchanged text is a no-op; changed text replaces the old chunks.
func (ix *Indexer) IngestText(ctx context.Context, req IngestRequest) (IngestResult, error) {
	res := IngestResult{DocumentID: req.DocumentID}
	if req.Collection == "" {
		return res, store.ErrNoCollection
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		return res, errors.New("document id is required")
	}

	pages := append([]Page(nil), req.Pages...)
	if len(pages) == 0 {
		pages = []Page{{Text: req.Text}}
	}
	var full strings.Builder
	for i := range pages {
		pages[i].Text = cleanText(pages[i].Text)
		if i > 0 {
			full.WriteString("\n\n")
		}
		full.WriteString(pages[i].Text)
	}
	if contentChars(full.String()) < minTextChars {
		return res, fmt.Errorf("%w: text too short or empty", segment.ErrSegmentation)
	}

	hash := hashContent(full.String())
	prev, found, err := ix.Store.DocumentHash(ctx, req.Collection, req.DocumentID)
	if err != nil {
		return res, fmt.Errorf("lookup document hash: %w", err)
	}
	if found && prev == hash {
		log.Info().Str("collection", req.Collection).Str("document_id", req.DocumentID).Msg("document unchanged, skipping")
		res.Unchanged = true
		return res, nil
	}

	chunks, err := ix.segmentPages(pages)
	if err != nil {
		return res, err
	}
	for i := range chunks {
		chunks[i].ID = uuid.NewString()
		chunks[i].Collection = req.Collection
		chunks[i].DocumentID = req.DocumentID
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedAll(ctx, texts)
	if err != nil {
		return res, err
	}

	// old chunks, new chunks and the hash change together or not at all
	n, err := ix.Store.ReplaceDocument(ctx, req.Collection, req.DocumentID, hash, chunks, vectors)
	if err != nil {
		return res, fmt.Errorf("store chunks: %w", err)
	}
	res.Replaced = n

	res.Chunks = len(chunks)
	log.Info().Str("collection", req.Collection).
		Str("document_id", req.DocumentID).
		Int("chunks", res.Chunks).
		Int64("replaced", res.Replaced).
		Msg("document indexed")
	return res, nil
}

// segmentPages keeps chunk indices continuous across pages.
func (ix *Indexer) segmentPages(pages []Page) ([]models.Chunk, error) {
	var out []models.Chunk
	for _, p := range pages {
		cs, err := ix.Segmenter.Segment(p.Text)
		if err != nil {
			return nil, err
		}
		for _, c := range cs {
			c.ChunkIndex = len(out)
			if p.Number > 0 {
				c.Pages = &models.PageRange{Start: p.Number, End: p.Number}
			}
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced", segment.ErrSegmentation)
	}
	return out, nil
}

// embedAll embeds texts in batches, retrying each batch with linear backoff.
func (ix *Indexer) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += ix.BatchSize {
		end := min(start+ix.BatchSize, len(texts))
		batch := texts[start:end]

		var (
			vecs [][]float32
			err  error
		)
		for attempt := 1; attempt <= embedAttempts; attempt++ {
			vecs, err = ix.Client.EmbedBatch(ctx, batch)
			if err == nil && len(vecs) != len(batch) {
				err = fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(batch))
			}
			if err == nil {
				break
			}
			if attempt == embedAttempts {
				break
			}
			log.Warn().Err(err).Int("attempt", attempt).Int("batch_start", start).Msg("embedding batch failed, retrying")
			if serr := generate.SleepContext(ctx, ix.RetryBackoff*time.Duration(attempt)); serr != nil {
				return nil, &ai.EmbeddingError{Op: "embed batch", Err: serr}
			}
		}
		if err != nil {
			var ee *ai.EmbeddingError
			if errors.As(err, &ee) {
				return nil, err
			}
			return nil, &ai.EmbeddingError{Op: "embed batch", Err: err}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// DeleteDocument removes every chunk of a document.
func (ix *Indexer) DeleteDocument(ctx context.Context, collection, documentID string) (int64, error) {
	n, err := ix.Store.Delete(ctx, collection, store.Filter{DocumentIDs: []string{documentID}})
	if err != nil {
		return 0, err
	}
	log.Info().Str("collection", collection).Str("document_id", documentID).Int64("chunks", n).Msg("document deleted")
	return n, nil
}

// workItem represents a document to be processed
type workItem struct {
	path       string
	documentID string
	content    string
}

// Run ingests every .txt file under Root into Collection.
func (ix *Indexer) Run(ctx context.Context) error {
	numWorkers := min(runtime.NumCPU(), maxWorkers)

	log.Info().Int("workers", numWorkers).Str("root", ix.Root).Str("collection", ix.Collection).Msg("starting concurrent indexing")

	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")

			for item := range workChan {
				_, err := ix.IngestText(ctx, IngestRequest{
					Collection: ix.Collection,
					DocumentID: item.documentID,
					Text:       item.content,
				})
				if errors.Is(err, segment.ErrSegmentation) {
					log.Warn().Err(err).Str("path", item.path).Msg("skipping document")
					continue
				}
				if err != nil {
					select {
					case errorChan <- err:
					default:
						log.Error().Err(err).Str("path", item.path).Msg("worker processing error")
					}
				}
			}

			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	walkErr := ix.Walker.Walk(ix.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de != nil && de.IsDir() {
				return nil
			}
			if shouldSkip(path) {
				return nil
			}

			b, err := ix.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}

			select {
			case workChan <- workItem{path: path, documentID: documentID(ix.Root, path), content: string(b)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()
	close(errorChan)

	if err := <-errorChan; err != nil {
		return err
	}
	return walkErr
}

// shouldSkip returns true unless path is a plain-text extraction outside
// hidden or build directories.
func shouldSkip(path string) bool {
	p := filepath.ToSlash(strings.ToLower(path))
	for _, dir := range []string{"/.git/", "/.cache/", "/node_modules/", "/tmp/"} {
		if strings.Contains(p, dir) {
			return true
		}
	}
	return filepath.Ext(p) != ".txt"
}

// documentID is the path relative to root without its extension.
func documentID(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		r = p
	}
	return filepath.ToSlash(strings.TrimSuffix(r, filepath.Ext(r)))
}
