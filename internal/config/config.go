package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLM provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Defaults for the pipeline loop. These match the values the enrichment
// runs have been tuned to: 10 names per API call, 1.5s between batches.
const (
	DefaultBatchSize  = 10
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultBatchDelay = 1500 * time.Millisecond
)

// Config holds all configuration values.
type Config struct {
	// Dataset layout
	DataDir        string
	ShardFiles     []string
	CheckpointPath string
	BackupShards   bool

	// Pipeline tuning
	BatchSize  int
	MaxRetries int
	BaseDelay  time.Duration
	BatchDelay time.Duration

	// LLM provider
	LLMProvider     string
	LLMModel        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string

	// SurrealDB blog store
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig is the YAML shape of an optional nameforge.yaml next to the data.
type fileConfig struct {
	DataDir        string   `yaml:"data_dir"`
	ShardFiles     []string `yaml:"shard_files"`
	CheckpointPath string   `yaml:"checkpoint"`
	BatchSize      int      `yaml:"batch_size"`
	MaxRetries     int      `yaml:"max_retries"`
	BatchDelayMS   int      `yaml:"batch_delay_ms"`
	LLMProvider    string   `yaml:"llm_provider"`
	LLMModel       string   `yaml:"llm_model"`
}

// Load reads configuration from environment variables, layered over an
// optional nameforge.yaml in the working directory. Environment wins.
func Load() (Config, error) {
	cfg := Config{
		DataDir: "public/data",
		ShardFiles: []string{
			"names-chunk1.json",
			"names-chunk2.json",
			"names-chunk3.json",
			"names-chunk4.json",
		},
		CheckpointPath: "enrichment-progress.json",
		BackupShards:   true,

		BatchSize:  DefaultBatchSize,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		BatchDelay: DefaultBatchDelay,

		LLMProvider:     ProviderOpenAI,
		LLMModel:        "gpt-4o-mini",
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "nameforge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "blog"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),

		LogFile:  getEnv("NAMEFORGE_LOG_FILE", "nameforge.log"),
		LogLevel: parseLogLevel(getEnv("NAMEFORGE_LOG_LEVEL", "INFO")),
	}

	path := getEnv("NAMEFORGE_CONFIG", "nameforge.yaml")
	if err := cfg.applyFile(path); err != nil {
		return Config{}, err
	}

	// Env overrides apply after the file so operators can tweak a single
	// run without editing it.
	if v := os.Getenv("NAMEFORGE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse NAMEFORGE_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("NAMEFORGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("NAMEFORGE_CHECKPOINT"); v != "" {
		cfg.CheckpointPath = v
	}
	if v := os.Getenv("NAMEFORGE_LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv("NAMEFORGE_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("NAMEFORGE_BACKUP_SHARDS"); v != "" {
		cfg.BackupShards = v == "true"
	}

	return cfg, nil
}

// applyFile layers values from a YAML config file, if it exists.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if len(fc.ShardFiles) > 0 {
		c.ShardFiles = fc.ShardFiles
	}
	if fc.CheckpointPath != "" {
		c.CheckpointPath = fc.CheckpointPath
	}
	if fc.BatchSize > 0 {
		c.BatchSize = fc.BatchSize
	}
	if fc.MaxRetries > 0 {
		c.MaxRetries = fc.MaxRetries
	}
	if fc.BatchDelayMS > 0 {
		c.BatchDelay = time.Duration(fc.BatchDelayMS) * time.Millisecond
	}
	if fc.LLMProvider != "" {
		c.LLMProvider = fc.LLMProvider
	}
	if fc.LLMModel != "" {
		c.LLMModel = fc.LLMModel
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
