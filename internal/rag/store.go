// Package rag provides the embedded vector index used for retrieval.
package rag

import (
	"context"
	"errors"

	"github.com/tomluvoe/agentgw/pkg/models"
)

// ErrEmptyText indicates an ingest request with nothing to index.
var ErrEmptyText = errors.New("no text to ingest")

// IngestRequest describes a document to chunk, embed, and index.
type IngestRequest struct {
	Source     string
	Text       string
	Skills     []string
	Tags       []string
	Collection string
}

// SearchRequest describes a retrieval query. Empty Skills or Tags means
// the corresponding filter is inactive.
type SearchRequest struct {
	Query      string
	Collection string
	Skills     []string
	Tags       []string
	TopK       int
}

// ListRequest selects chunks without ranking.
type ListRequest struct {
	Collection      string
	Skills          []string
	SourceSubstring string
	Limit           int
}

// ScoredChunk is a search hit with its cosine similarity score.
type ScoredChunk struct {
	Chunk *models.Chunk
	Score float32
}

// ChunkPreview is a truncated view of a chunk for listings.
type ChunkPreview struct {
	ID       string               `json:"id"`
	Preview  string               `json:"preview"`
	Metadata models.ChunkMetadata `json:"metadata"`
}

// Store is the vector index interface. Implementations must be safe for
// concurrent search and ingest.
type Store interface {
	// Ingest chunks, embeds, and indexes a document. Returns the number
	// of chunks inserted. Re-ingesting the same source produces new
	// chunk ids; it does not replace prior chunks.
	Ingest(ctx context.Context, req IngestRequest) (int, error)

	// Search returns up to TopK chunks passing the skill and tag
	// filters, ordered by similarity (ties by insertion order).
	Search(ctx context.Context, req SearchRequest) ([]ScoredChunk, error)

	// List returns chunk previews matching the request, in insertion order.
	List(ctx context.Context, req ListRequest) ([]ChunkPreview, error)

	// Delete removes chunks by id and reports how many were removed.
	Delete(ctx context.Context, ids []string) (int, error)

	// DeleteBySource removes every chunk whose source matches exactly.
	DeleteBySource(ctx context.Context, source string) (int, error)

	// Count returns the number of chunks in a collection.
	Count(ctx context.Context, collection string) (int64, error)

	// Close releases resources.
	Close() error
}

// passesSkillFilter reports whether a chunk is visible to the requested
// skills: no filter, an unrestricted chunk, or an intersection all pass.
func passesSkillFilter(chunkSkills, filter []string) bool {
	if len(filter) == 0 || len(chunkSkills) == 0 {
		return true
	}
	return intersects(chunkSkills, filter)
}

// passesTagFilter reports whether a chunk matches the requested tags.
// Unlike skills, a chunk with no tags does not match an active tag filter.
func passesTagFilter(chunkTags, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return intersects(chunkTags, filter)
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
