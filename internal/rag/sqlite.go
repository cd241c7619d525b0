package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
	"github.com/tomluvoe/agentgw/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database. Embeddings are
// stored as little-endian float32 blobs and compared with cosine
// similarity in process; at the index sizes a single-user daemon sees, a
// scan over the collection is cheaper than maintaining an ANN structure.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	chunker  *Chunker
	logger   *slog.Logger
}

// SQLiteConfig configures the vector store.
type SQLiteConfig struct {
	Path         string
	Embedder     Embedder
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
}

// NewSQLiteStore opens the vector database and applies the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "rag")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:       db,
		embedder: cfg.Embedder,
		chunker:  NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:   cfg.Logger,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS chunks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			collection TEXT NOT NULL,
			source TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			text TEXT NOT NULL,
			skills_json TEXT,
			tags_json TEXT,
			embedding BLOB,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ingest chunks, embeds, and indexes a document.
func (s *SQLiteStore) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	if req.Collection == "" {
		req.Collection = "default"
	}
	pieces := s.chunker.Split(req.Text)
	if len(pieces) == 0 {
		return 0, ErrEmptyText
	}

	embeddings, err := s.embedder.Embed(ctx, pieces)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(pieces) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(pieces))
	}

	skillsJSON, err := marshalSet(req.Skills)
	if err != nil {
		return 0, err
	}
	tagsJSON, err := marshalSet(req.Tags)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, collection, source, chunk_index, total_chunks, text, skills_json, tags_json, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, piece := range pieces {
		_, err := stmt.ExecContext(ctx,
			uuid.NewString(), req.Collection, req.Source, i, len(pieces),
			piece, skillsJSON, tagsJSON, encodeEmbedding(embeddings[i]), now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.Info("ingested document",
		"source", req.Source,
		"collection", req.Collection,
		"chunks", len(pieces))
	return len(pieces), nil
}

// Search embeds the query, ranks the collection by cosine similarity,
// and applies the skill and tag filters in post-processing. When filters
// are active, 3x the requested k candidates are ranked before filtering
// so that filtered-out neighbours do not starve the result set.
func (s *SQLiteStore) Search(ctx context.Context, req SearchRequest) ([]ScoredChunk, error) {
	if req.TopK <= 0 {
		req.TopK = 5
	}
	if req.Collection == "" {
		req.Collection = "default"
	}

	vectors, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := vectors[0]

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, source, chunk_index, total_chunks, text, skills_json, tags_json, embedding, created_at
		FROM chunks WHERE collection = ? ORDER BY seq ASC
	`, req.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var scored []ScoredChunk
	for rows.Next() {
		chunk, embedding, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(queryVec, embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stable sort keeps insertion order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	filtered := len(req.Skills) > 0 || len(req.Tags) > 0
	candidates := scored
	if filtered && len(candidates) > 3*req.TopK {
		candidates = candidates[:3*req.TopK]
	}

	var out []ScoredChunk
	for _, sc := range candidates {
		if !passesSkillFilter(sc.Chunk.Metadata.Skills, req.Skills) {
			continue
		}
		if !passesTagFilter(sc.Chunk.Metadata.Tags, req.Tags) {
			continue
		}
		out = append(out, sc)
		if len(out) == req.TopK {
			break
		}
	}
	return out, nil
}

// List returns chunk previews in insertion order.
func (s *SQLiteStore) List(ctx context.Context, req ListRequest) ([]ChunkPreview, error) {
	if req.Collection == "" {
		req.Collection = "default"
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, source, chunk_index, total_chunks, text, skills_json, tags_json, embedding, created_at
		FROM chunks WHERE collection = ? ORDER BY seq ASC
	`, req.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkPreview
	for rows.Next() {
		chunk, _, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if req.SourceSubstring != "" && !strings.Contains(chunk.Metadata.Source, req.SourceSubstring) {
			continue
		}
		if !passesSkillFilter(chunk.Metadata.Skills, req.Skills) {
			continue
		}
		out = append(out, ChunkPreview{
			ID:       chunk.ID,
			Preview:  preview(chunk.Text, 200),
			Metadata: chunk.Metadata,
		})
		if len(out) == req.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Delete removes chunks by id.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteBySource removes every chunk whose source matches exactly.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source)
	if err != nil {
		return 0, fmt.Errorf("failed to delete by source: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of chunks in a collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int64, error) {
	if collection == "" {
		collection = "default"
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE collection = ?`, collection,
	).Scan(&count)
	return count, err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanChunk(rows *sql.Rows) (*models.Chunk, []float32, error) {
	var chunk models.Chunk
	var skillsJSON, tagsJSON sql.NullString
	var blob []byte

	err := rows.Scan(
		&chunk.ID,
		&chunk.Metadata.Collection,
		&chunk.Metadata.Source,
		&chunk.Metadata.ChunkIndex,
		&chunk.Metadata.TotalChunks,
		&chunk.Text,
		&skillsJSON,
		&tagsJSON,
		&blob,
		&chunk.CreatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan chunk: %w", err)
	}

	if chunk.Metadata.Skills, err = unmarshalSet(skillsJSON); err != nil {
		return nil, nil, err
	}
	if chunk.Metadata.Tags, err = unmarshalSet(tagsJSON); err != nil {
		return nil, nil, err
	}
	return &chunk, decodeEmbedding(blob), nil
}

func marshalSet(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata set: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalSet(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata set: %w", err)
	}
	return out, nil
}

func preview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:runeStart(text, limit)]
}

// encodeEmbedding converts []float32 to little-endian bytes for storage.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding converts stored bytes back to []float32.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
