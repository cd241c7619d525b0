package service

import (
	"context"
	"fmt"

	"github.com/tomluvoe/agentgw/internal/rag"
)

// Ingest indexes a document, defaulting the collection from config.
func (s *Service) Ingest(ctx context.Context, req rag.IngestRequest) (int, error) {
	if s.vectors == nil {
		return 0, fmt.Errorf("vector store is not configured")
	}
	if req.Collection == "" {
		req.Collection = s.cfg.RAG.Collection
	}
	return s.vectors.Ingest(ctx, req)
}

// SearchDocuments runs a retrieval query.
func (s *Service) SearchDocuments(ctx context.Context, req rag.SearchRequest) ([]rag.ScoredChunk, error) {
	if s.vectors == nil {
		return nil, fmt.Errorf("vector store is not configured")
	}
	if req.Collection == "" {
		req.Collection = s.cfg.RAG.Collection
	}
	return s.vectors.Search(ctx, req)
}

// ListDocuments lists chunk previews without ranking.
func (s *Service) ListDocuments(ctx context.Context, req rag.ListRequest) ([]rag.ChunkPreview, error) {
	if s.vectors == nil {
		return nil, fmt.Errorf("vector store is not configured")
	}
	if req.Collection == "" {
		req.Collection = s.cfg.RAG.Collection
	}
	return s.vectors.List(ctx, req)
}

// DeleteDocuments removes chunks by id, or every chunk of a source when
// no ids are given. One of the two selectors must be present.
func (s *Service) DeleteDocuments(ctx context.Context, ids []string, source string) (int, error) {
	if s.vectors == nil {
		return 0, fmt.Errorf("vector store is not configured")
	}
	switch {
	case len(ids) > 0:
		return s.vectors.Delete(ctx, ids)
	case source != "":
		return s.vectors.DeleteBySource(ctx, source)
	default:
		return 0, fmt.Errorf("either ids or source must be given")
	}
}
