// Package config loads the agentgw daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace for environment overrides. A variable named
// AGENTGW_<SECTION>__<KEY> overrides the corresponding config field; the
// double underscore separates path segments.
const EnvPrefix = "AGENTGW_"

// Config is the main configuration structure for agentgw.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Storage       StorageConfig       `yaml:"storage"`
	RAG           RAGConfig           `yaml:"rag"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Auth          AuthConfig          `yaml:"auth"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Webhooks      WebhooksConfig      `yaml:"webhooks"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DBFile       string `yaml:"db_file"`
	VectorDBFile string `yaml:"vector_db_file"`
	LogDir       string `yaml:"log_dir"`
	SkillsDir    string `yaml:"skills_dir"`
	JobsFile     string `yaml:"jobs_file"`
	WebhooksFile string `yaml:"webhooks_file"`
}

type RAGConfig struct {
	Enabled           bool   `yaml:"enabled"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
	ChunkSize         int    `yaml:"chunk_size"`
	ChunkOverlap      int    `yaml:"chunk_overlap"`
	Collection        string `yaml:"collection"`
}

type OrchestrationConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WebhooksConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands environment references,
// applies defaults, and finally applies AGENTGW_* environment overrides.
// A missing file is not an error; defaults and overrides still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg, os.Environ()); err != nil {
		return nil, err
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKeyFromEnv(cfg.LLM.Provider)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModelFor(cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.DBFile == "" {
		cfg.Storage.DBFile = filepath.Join(cfg.Storage.DataDir, "agentgw.db")
	}
	if cfg.Storage.VectorDBFile == "" {
		cfg.Storage.VectorDBFile = filepath.Join(cfg.Storage.DataDir, "vectors.db")
	}
	if cfg.Storage.LogDir == "" {
		cfg.Storage.LogDir = filepath.Join(cfg.Storage.DataDir, "logs")
	}
	if cfg.Storage.SkillsDir == "" {
		cfg.Storage.SkillsDir = "skills"
	}
	if cfg.Storage.JobsFile == "" {
		cfg.Storage.JobsFile = filepath.Join("config", "scheduled_jobs.yaml")
	}
	if cfg.Storage.WebhooksFile == "" {
		cfg.Storage.WebhooksFile = filepath.Join("config", "webhooks.yaml")
	}
	if cfg.RAG.EmbeddingProvider == "" {
		cfg.RAG.EmbeddingProvider = "openai"
	}
	if cfg.RAG.EmbeddingModel == "" {
		cfg.RAG.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 1024
	}
	if cfg.RAG.ChunkOverlap == 0 {
		cfg.RAG.ChunkOverlap = 128
	}
	if cfg.RAG.Collection == "" {
		cfg.RAG.Collection = "default"
	}
	if cfg.Orchestration.MaxDepth == 0 {
		cfg.Orchestration.MaxDepth = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides maps AGENTGW_<SECTION>__<KEY>=value onto config fields.
// Unknown sections or keys are ignored so unrelated AGENTGW_ variables do
// not break startup; malformed numeric values are errors.
func applyEnvOverrides(cfg *Config, environ []string) error {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		path := strings.TrimPrefix(name, EnvPrefix)
		section, key, ok := strings.Cut(path, "__")
		if !ok {
			// AGENTGW_API_KEY is the documented flat spelling for auth.
			if path == "API_KEY" {
				cfg.Auth.APIKey = value
			}
			continue
		}
		if err := setField(cfg, strings.ToLower(section), strings.ToLower(key), value); err != nil {
			return fmt.Errorf("invalid override %s: %w", name, err)
		}
	}
	return nil
}

func setField(cfg *Config, section, key, value string) error {
	switch section {
	case "server":
		switch key {
		case "host":
			cfg.Server.Host = value
		case "port":
			return setInt(&cfg.Server.Port, value)
		}
	case "llm":
		switch key {
		case "provider":
			cfg.LLM.Provider = value
		case "model":
			cfg.LLM.Model = value
		case "temperature":
			return setFloat(&cfg.LLM.Temperature, value)
		case "max_tokens":
			return setInt(&cfg.LLM.MaxTokens, value)
		case "base_url":
			cfg.LLM.BaseURL = value
		case "api_key":
			cfg.LLM.APIKey = value
		}
	case "storage":
		switch key {
		case "data_dir":
			cfg.Storage.DataDir = value
		case "db_file":
			cfg.Storage.DBFile = value
		case "vector_db_file":
			cfg.Storage.VectorDBFile = value
		case "log_dir":
			cfg.Storage.LogDir = value
		case "skills_dir":
			cfg.Storage.SkillsDir = value
		case "jobs_file":
			cfg.Storage.JobsFile = value
		case "webhooks_file":
			cfg.Storage.WebhooksFile = value
		}
	case "rag":
		switch key {
		case "enabled":
			return setBool(&cfg.RAG.Enabled, value)
		case "embedding_provider":
			cfg.RAG.EmbeddingProvider = value
		case "embedding_model":
			cfg.RAG.EmbeddingModel = value
		case "chunk_size":
			return setInt(&cfg.RAG.ChunkSize, value)
		case "chunk_overlap":
			return setInt(&cfg.RAG.ChunkOverlap, value)
		case "collection":
			cfg.RAG.Collection = value
		}
	case "orchestration":
		if key == "max_depth" {
			return setInt(&cfg.Orchestration.MaxDepth, value)
		}
	case "auth":
		if key == "api_key" {
			cfg.Auth.APIKey = value
		}
	case "scheduler":
		if key == "enabled" {
			return setBool(&cfg.Scheduler.Enabled, value)
		}
	case "webhooks":
		if key == "enabled" {
			return setBool(&cfg.Webhooks.Enabled, value)
		}
	case "logging":
		switch key {
		case "level":
			cfg.Logging.Level = value
		case "format":
			cfg.Logging.Format = value
		}
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o"
	case "xai":
		return "grok-beta"
	default:
		return "claude-sonnet-4-20250514"
	}
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "xai":
		return os.Getenv("XAI_API_KEY")
	default:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
}
