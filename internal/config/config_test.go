package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Orchestration.MaxDepth != 3 {
		t.Errorf("default max depth = %d, want 3", cfg.Orchestration.MaxDepth)
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Errorf("default temperature = %v, want 0.7", cfg.LLM.Temperature)
	}
	if cfg.RAG.ChunkSize != 1024 || cfg.RAG.ChunkOverlap != 128 {
		t.Errorf("default chunking = %d/%d, want 1024/128", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9191
llm:
  provider: openai
  model: gpt-4o-mini
storage:
  data_dir: /tmp/agentgw
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Storage.DBFile != filepath.Join("/tmp/agentgw", "agentgw.db") {
		t.Errorf("db file = %q, not derived from data_dir", cfg.Storage.DBFile)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	environ := []string{
		"AGENTGW_LLM__MODEL=grok-beta",
		"AGENTGW_LLM__PROVIDER=xai",
		"AGENTGW_SERVER__PORT=7000",
		"AGENTGW_ORCHESTRATION__MAX_DEPTH=5",
		"AGENTGW_RAG__ENABLED=true",
		"AGENTGW_API_KEY=sekrit",
		"UNRELATED=1",
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}

	if cfg.LLM.Model != "grok-beta" || cfg.LLM.Provider != "xai" {
		t.Errorf("llm override = %q/%q", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Orchestration.MaxDepth != 5 {
		t.Errorf("max depth = %d, want 5", cfg.Orchestration.MaxDepth)
	}
	if !cfg.RAG.Enabled {
		t.Error("rag.enabled not overridden")
	}
	if cfg.Auth.APIKey != "sekrit" {
		t.Errorf("auth key = %q", cfg.Auth.APIKey)
	}
}

func TestEnvOverrideBadValue(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	err := applyEnvOverrides(cfg, []string{"AGENTGW_SERVER__PORT=not-a-number"})
	if err == nil {
		t.Fatal("expected error for malformed port")
	}
}

func TestEnvOverrideUnknownKeyIgnored(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if err := applyEnvOverrides(cfg, []string{"AGENTGW_NOPE__THING=x"}); err != nil {
		t.Fatalf("unknown section should be ignored, got %v", err)
	}
}
