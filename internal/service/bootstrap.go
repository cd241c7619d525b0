package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tomluvoe/agentgw/internal/agent"
	"github.com/tomluvoe/agentgw/internal/agent/providers"
	"github.com/tomluvoe/agentgw/internal/config"
	"github.com/tomluvoe/agentgw/internal/rag"
	"github.com/tomluvoe/agentgw/internal/sessions"
	"github.com/tomluvoe/agentgw/internal/skills"
)

// hashEmbedderDimension is the fallback embedding width when no
// embedding API key is available.
const hashEmbedderDimension = 384

// Bootstrap builds a production service from configuration: SQLite
// stores under data_dir, the configured LLM provider, the skill loader,
// and the builtin tools. Events stays nil until a dispatcher is
// attached with SetEvents.
func Bootstrap(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}

	store, err := sessions.NewSQLiteStore(cfg.Storage.DBFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	var vectors rag.Store
	if cfg.RAG.Enabled {
		vectors, err = rag.NewSQLiteStore(rag.SQLiteConfig{
			Path:         cfg.Storage.VectorDBFile,
			Embedder:     buildEmbedder(cfg, logger),
			ChunkSize:    cfg.RAG.ChunkSize,
			ChunkOverlap: cfg.RAG.ChunkOverlap,
			Logger:       logger.With("component", "rag"),
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	}

	provider, err := providers.New(cfg.LLM.Provider, providers.Options{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.Model,
	})
	if err != nil {
		store.Close()
		if vectors != nil {
			vectors.Close()
		}
		return nil, err
	}

	registry := agent.NewToolRegistry()
	loader := skills.NewLoader(cfg.Storage.SkillsDir, registry.Names, logger)
	if err := loader.Load(); err != nil {
		store.Close()
		if vectors != nil {
			vectors.Close()
		}
		return nil, fmt.Errorf("failed to load skills: %w", err)
	}

	svc, err := New(Options{
		Config:   cfg,
		Store:    store,
		Vectors:  vectors,
		Skills:   loader,
		Provider: provider,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		if vectors != nil {
			vectors.Close()
		}
		return nil, err
	}

	if err := svc.RegisterBuiltins(); err != nil {
		svc.Close()
		return nil, err
	}
	// Builtins changed the registry; revalidate skill tool references.
	if err := loader.Reload(); err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to load skills: %w", err)
	}
	return svc, nil
}

// SetEvents attaches the event sink after construction; the dispatcher
// needs the config-loaded subscriptions, which are read elsewhere.
func (s *Service) SetEvents(sink EventSink) {
	s.events = sink
}

// buildEmbedder picks the embedding backend: the OpenAI API when a key
// is available, a deterministic local hash embedder otherwise.
func buildEmbedder(cfg *config.Config, logger *slog.Logger) rag.Embedder {
	if cfg.RAG.EmbeddingProvider == "openai" {
		key := os.Getenv("OPENAI_API_KEY")
		if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey != "" {
			key = cfg.LLM.APIKey
		}
		if key != "" {
			return rag.NewOpenAIEmbedder(key, cfg.RAG.EmbeddingModel, "")
		}
		logger.Warn("no OpenAI key for embeddings, falling back to local hash embedder")
	}
	return rag.NewHashEmbedder(hashEmbedderDimension)
}
