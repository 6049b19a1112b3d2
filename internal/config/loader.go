package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads the YAML config file, then applies environment overrides.
// A .env file, when present, overrides OS environment variables so local
// development behaves deterministically.
func Load(path string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("EVERMEM_POSTGRES_DSN")); v != "" {
		cfg.Postgres.ConnectionString = v
	}
	if v := strings.TrimSpace(os.Getenv("EVERMEM_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("EVERMEM_QDRANT_URL")); v != "" {
		cfg.Qdrant.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		if cfg.Completions.APIKey == "" {
			cfg.Completions.APIKey = v
		}
		if cfg.Embeddings.APIKey == "" {
			cfg.Embeddings.APIKey = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_PATH")); v != "" {
		cfg.LogPath = v
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when the file omits a section.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8591},
		Qdrant: QdrantConfig{CollectionPrefix: "evermem", Dimensions: 1024},
		Memory: MemoryConfig{
			MinWindowMessages:   3,
			MinWindowSpan:       Duration(30 * time.Second),
			MaxPromptTokens:     8000,
			SegmentRetries:      3,
			QueueCapacity:       1000,
			QueueTTL:            Duration(60 * time.Minute),
			SimilarityThreshold: 0.70,
			ClusterTimeGap:      Duration(7 * 24 * time.Hour),
			ProfileBatchSize:    20,
			WorkerCount:         4,
			TaskQueueSize:       256,
		},
		Retrieval: RetrievalConfig{
			RRFRankConstant: 60,
			DefaultTopK:     10,
			MaxRounds:       2,
		},
		Completions: CompletionsConfig{Temperature: 0.2, MaxTokens: 4096},
	}
}

func (c Config) validate() error {
	if c.Memory.SimilarityThreshold < -1 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be in [-1, 1], got %v", c.Memory.SimilarityThreshold)
	}
	if c.Memory.QueueCapacity <= 0 {
		return fmt.Errorf("memory.queue_capacity must be positive")
	}
	if c.Retrieval.RRFRankConstant <= 0 {
		return fmt.Errorf("retrieval.rrf_rank_constant must be positive")
	}
	return nil
}
