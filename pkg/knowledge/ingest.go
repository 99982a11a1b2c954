package knowledge

import (
	"context"
	"crypto/md5"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxChunkChars bounds a chunk; paragraphs are packed up to this size.
const maxChunkChars = 1200

// Ingester keeps the chunk table in sync with a directory of text documents.
// Each top-level subdirectory is a dataset; files directly under the root
// belong to the default dataset.
type Ingester struct {
	store          *Store
	embedder       Embedder
	root           string
	collection     string
	defaultDataset string
	interval       time.Duration
	batchSize      int
}

// NewIngester creates a new background ingestion worker.
func NewIngester(store *Store, embedder Embedder, root, collection, defaultDataset string, interval time.Duration) *Ingester {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Ingester{
		store:          store,
		embedder:       embedder,
		root:           root,
		collection:     collection,
		defaultDataset: defaultDataset,
		interval:       interval,
		batchSize:      32,
	}
}

// Run starts the ingest loop. Blocks until ctx is cancelled.
func (w *Ingester) Run(ctx context.Context) {
	slog.Info("knowledge ingester started", "root", w.root, "collection", w.collection, "interval", w.interval)

	if n, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial knowledge sync failed", "error", err)
	} else if n > 0 {
		slog.Info("initial knowledge sync complete", "embedded", n)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("knowledge ingester stopping")
			return
		case <-ticker.C:
			if n, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("knowledge sync cycle failed", "error", err)
			} else if n > 0 {
				slog.Info("knowledge sync cycle", "embedded", n)
			}
		}
	}
}

// SyncOnce chunks every document, embeds new or changed chunks in batches
// and prunes chunks past the end of shrunken documents.
func (w *Ingester) SyncOnce(ctx context.Context) (int, error) {
	docs, err := w.scan()
	if err != nil {
		return 0, err
	}
	existing, err := w.store.Hashes(ctx, w.collection)
	if err != nil {
		return 0, err
	}

	var pending []Chunk
	for _, d := range docs {
		for _, c := range d {
			if existing[ChunkKey(c.Source, c.Index)] != c.ContentHash {
				pending = append(pending, c)
			}
		}
	}

	total := 0
	for i := 0; i < len(pending); i += w.batchSize {
		end := min(i+w.batchSize, len(pending))
		batch := pending[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}
		vecs, err := w.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}
		if err := w.store.UpsertBatch(ctx, batch, vecs); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}
		total += len(batch)
	}

	for source, chunks := range docs {
		if err := w.store.Prune(ctx, w.collection, source, len(chunks)); err != nil {
			slog.Warn("prune failed", "source", source, "error", err)
		}
	}
	return total, nil
}

func (w *Ingester) scan() (map[string][]Chunk, error) {
	docs := make(map[string][]Chunk)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}

		dataset := w.defaultDataset
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			dataset = parts[0]
		}
		docs[rel] = ChunkDocument(w.collection, dataset, rel, string(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", w.root, err)
	}
	return docs, nil
}

// ChunkDocument splits text into paragraph-packed chunks. Each payload
// carries the document title and the chunk's 1-based section position.
func ChunkDocument(collection, dataset, source, text string) []Chunk {
	title := documentTitle(source, text)

	var sections []string
	var cur strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > maxChunkChars {
			sections = append(sections, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		sections = append(sections, cur.String())
	}

	chunks := make([]Chunk, len(sections))
	for i, s := range sections {
		chunks[i] = Chunk{
			Collection: collection,
			Dataset:    dataset,
			Source:     source,
			Index:      i,
			Content:    s,
			Payload: map[string]any{
				"title":          title,
				"section":        i + 1,
				"total_sections": len(sections),
			},
			ContentHash: ContentHash(s),
		}
	}
	return chunks
}

func documentTitle(source, text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
		if line != "" {
			break
		}
	}
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ChunkKey identifies a chunk within a collection.
func ChunkKey(source string, index int) string {
	return fmt.Sprintf("%s#%d", source, index)
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
