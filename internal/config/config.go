package config

import (
	"fmt"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "30s" or "168h".
type Duration time.Duration

// UnmarshalYAML accepts an integer second count or a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PostgresConfig points at the document store + lexical index database.
type PostgresConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// RedisConfig points at the conversation queue / lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// QdrantConfig points at the vector index.
type QdrantConfig struct {
	URL              string `yaml:"url"`
	CollectionPrefix string `yaml:"collection_prefix"`
	Dimensions       int    `yaml:"dimensions"`
}

// KafkaConfig configures the optional ingest consumer.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// CompletionsConfig configures the chat-completion endpoint used by the
// segmentation engine, memory extractor, profile manager, and agentic judge.
type CompletionsConfig struct {
	Host        string  `yaml:"host"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// EmbeddingsConfig configures the vectorizer endpoint.
type EmbeddingsConfig struct {
	Host       string `yaml:"host"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// MemoryConfig exposes the segmentation and clustering tunables. The right
// similarity threshold and time gap differ by domain, so they are
// configuration rather than constants.
type MemoryConfig struct {
	MinWindowMessages   int      `yaml:"min_window_messages"`
	MinWindowSpan       Duration `yaml:"min_window_span"`
	MaxPromptTokens     int      `yaml:"max_prompt_tokens"`
	SegmentRetries      int      `yaml:"segment_retries"`
	QueueCapacity       int      `yaml:"queue_capacity"`
	QueueTTL            Duration `yaml:"queue_ttl"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	ClusterTimeGap      Duration `yaml:"cluster_time_gap"`
	ProfileBatchSize    int      `yaml:"profile_batch_size"`
	WorkerCount         int      `yaml:"worker_count"`
	TaskQueueSize       int      `yaml:"task_queue_size"`
}

// RetrievalConfig tunes the query engine.
type RetrievalConfig struct {
	RRFRankConstant int `yaml:"rrf_rank_constant"`
	DefaultTopK     int `yaml:"default_top_k"`
	MaxRounds       int `yaml:"max_rounds"`
}

// Config is the full process configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Qdrant      QdrantConfig      `yaml:"qdrant"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Completions CompletionsConfig `yaml:"completions"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	Memory      MemoryConfig      `yaml:"memory"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	LogPath     string            `yaml:"log_path"`
	LogLevel    string            `yaml:"log_level"`
}

// ListenAddr formats the server bind address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
