// Package config loads runtime configuration. Sources, lowest precedence
// first: built-in defaults, the TOML file named by COGNIGRAPH_CONFIG, a .env
// file, process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the CogniGraph runtime.
type Config struct {
	Port       int              `toml:"port"`
	Version    string           `toml:"version"`
	LogLevel   string           `toml:"log_level"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Models     ModelsConfig     `toml:"models"`
	Providers  ProvidersConfig  `toml:"providers"`
	Agent      AgentConfig      `toml:"agent"`
	Middleware MiddlewareConfig `toml:"middleware"`
	Store      StoreConfig      `toml:"store"`
	RAG        RAGConfig        `toml:"rag"`
	API        APIConfig        `toml:"api"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// ModelsConfig holds "provider:model" identifiers.
type ModelsConfig struct {
	Default     string   `toml:"default"`
	Fallbacks   []string `toml:"fallbacks"`
	Summarizer  string   `toml:"summarizer"`
	Selector    string   `toml:"selector"`
	Temperature float64  `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
}

type ProvidersConfig struct {
	GoogleAPIKey   string  `toml:"google_api_key"`
	GoogleEndpoint string  `toml:"google_endpoint"`
	OpenAIAPIKey   string  `toml:"openai_api_key"`
	OpenAIEndpoint string  `toml:"openai_endpoint"`
	OllamaEndpoint string  `toml:"ollama_endpoint"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"` // per provider, 0 = unlimited
	RateLimitBurst int     `toml:"rate_limit_burst"`
	MaxRetries     int     `toml:"max_retries"`
}

type AgentConfig struct {
	Preset           string        `toml:"preset"`
	MaxIterations    int           `toml:"max_iterations"`
	ModelTimeout     time.Duration `toml:"model_timeout"`
	ToolTimeout      time.Duration `toml:"tool_timeout"`
	MaxParallelTools int           `toml:"max_parallel_tools"`
}

// SelectionRule picks Model when the expression When holds.
type SelectionRule struct {
	When  string `toml:"when"`
	Model string `toml:"model"`
}

// PIIRule configures one redaction stage.
type PIIRule struct {
	Type               string `toml:"type"`
	Detector           string `toml:"detector"` // regexp; empty = built-in for Type
	Strategy           string `toml:"strategy"`
	ApplyToOutput      bool   `toml:"apply_to_output"`
	ApplyToToolResults bool   `toml:"apply_to_tool_results"`
	PersistRedacted    *bool  `toml:"persist_redacted"` // default true except for block
}

type MiddlewareConfig struct {
	Fallback             bool            `toml:"fallback"`
	Summarization        bool            `toml:"summarization"`
	SummaryTriggerTokens int             `toml:"summary_trigger_tokens"`
	SummaryKeepMessages  int             `toml:"summary_keep_messages"`
	ToolSelection        bool            `toml:"tool_selection"`
	ToolSelectionMax     int             `toml:"tool_selection_max"`
	SelectionRules       []SelectionRule `toml:"selection_rules"`
	PII                  []PIIRule       `toml:"pii"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // memory | sqlite
	Path   string `toml:"path"`
}

type RAGConfig struct {
	Enabled           bool     `toml:"enabled"`
	Embedder          string   `toml:"embedder"` // google-genai | openai | ollama | hash
	EmbeddingModel    string   `toml:"embedding_model"`
	EmbeddingEndpoint string   `toml:"embedding_endpoint"`
	VectorStore       string   `toml:"vector_store"` // embedded | pgvector
	PgvectorURL       string   `toml:"pgvector_url"`
	Collection        string   `toml:"collection"`
	Topic             string   `toml:"topic"`
	ChunkSize         int      `toml:"chunk_size"`
	ChunkOverlap      int      `toml:"chunk_overlap"`
	TopK              int      `toml:"top_k"`
	Sources           []string `toml:"sources"`
}

type APIConfig struct {
	Keys        []string `toml:"keys"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		Version:  "0.1.0",
		LogLevel: "info",
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "cognigraph",
		},
		Models: ModelsConfig{
			Default:     "google-genai:gemini-2.5-flash",
			Fallbacks:   []string{"google-genai:gemini-2.5-flash-lite"},
			Summarizer:  "google-genai:gemini-2.5-flash-lite",
			Selector:    "google-genai:gemini-2.5-flash-lite",
			Temperature: 0.7,
			MaxTokens:   1000,
		},
		Providers: ProvidersConfig{
			OllamaEndpoint: "http://localhost:11434",
			RateLimitBurst: 1,
			MaxRetries:     2,
		},
		Agent: AgentConfig{
			Preset:           "weather",
			MaxIterations:    10,
			ModelTimeout:     30 * time.Second,
			ToolTimeout:      30 * time.Second,
			MaxParallelTools: 8,
		},
		Middleware: MiddlewareConfig{
			Fallback:             true,
			SummaryTriggerTokens: 8000,
			SummaryKeepMessages:  20,
			ToolSelectionMax:     3,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "data/threads.db",
		},
		RAG: RAGConfig{
			Embedder:       "google-genai",
			EmbeddingModel: "text-embedding-004",
			VectorStore:    "embedded",
			Collection:     "default",
			Topic:          "the ingested documents",
			ChunkSize:      1000,
			ChunkOverlap:   200,
			TopK:           4,
		},
		API: APIConfig{
			CORSOrigins: []string{"*"},
		},
	}
}

// Load builds the configuration. A missing .env file is not an error; a
// missing COGNIGRAPH_CONFIG file is.
func Load() (*Config, error) {
	if err := godotenv.Load(envStr("COGNIGRAPH_ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("COGNIGRAPH_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Port = envInt("COGNIGRAPH_PORT", c.Port)
	c.Version = envStr("COGNIGRAPH_VERSION", c.Version)
	c.LogLevel = envStr("COGNIGRAPH_LOG_LEVEL", c.LogLevel)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)

	c.Models.Default = envStr("COGNIGRAPH_MODEL", c.Models.Default)
	c.Models.Fallbacks = envList("COGNIGRAPH_FALLBACK_MODELS", c.Models.Fallbacks)
	c.Models.Summarizer = envStr("COGNIGRAPH_SUMMARIZER_MODEL", c.Models.Summarizer)
	c.Models.Selector = envStr("COGNIGRAPH_SELECTOR_MODEL", c.Models.Selector)
	c.Models.Temperature = envFloat("COGNIGRAPH_TEMPERATURE", c.Models.Temperature)
	c.Models.MaxTokens = envInt("COGNIGRAPH_MAX_TOKENS", c.Models.MaxTokens)

	c.Providers.GoogleAPIKey = envStr("GOOGLE_API_KEY", c.Providers.GoogleAPIKey)
	c.Providers.GoogleEndpoint = envStr("GOOGLE_GENAI_ENDPOINT", c.Providers.GoogleEndpoint)
	c.Providers.OpenAIAPIKey = envStr("OPENAI_API_KEY", c.Providers.OpenAIAPIKey)
	c.Providers.OpenAIEndpoint = envStr("OPENAI_BASE_URL", c.Providers.OpenAIEndpoint)
	c.Providers.OllamaEndpoint = envStr("OLLAMA_HOST", c.Providers.OllamaEndpoint)
	c.Providers.RateLimitRPS = envFloat("COGNIGRAPH_RATE_LIMIT_RPS", c.Providers.RateLimitRPS)
	c.Providers.RateLimitBurst = envInt("COGNIGRAPH_RATE_LIMIT_BURST", c.Providers.RateLimitBurst)
	c.Providers.MaxRetries = envInt("COGNIGRAPH_MAX_RETRIES", c.Providers.MaxRetries)

	c.Agent.Preset = envStr("COGNIGRAPH_PRESET", c.Agent.Preset)
	c.Agent.MaxIterations = envInt("COGNIGRAPH_MAX_ITERATIONS", c.Agent.MaxIterations)
	c.Agent.ModelTimeout = envDuration("COGNIGRAPH_MODEL_TIMEOUT", c.Agent.ModelTimeout)
	c.Agent.ToolTimeout = envDuration("COGNIGRAPH_TOOL_TIMEOUT", c.Agent.ToolTimeout)
	c.Agent.MaxParallelTools = envInt("COGNIGRAPH_MAX_PARALLEL_TOOLS", c.Agent.MaxParallelTools)

	c.Middleware.Fallback = envBool("COGNIGRAPH_FALLBACK", c.Middleware.Fallback)
	c.Middleware.Summarization = envBool("COGNIGRAPH_SUMMARIZATION", c.Middleware.Summarization)
	c.Middleware.SummaryTriggerTokens = envInt("COGNIGRAPH_SUMMARY_TRIGGER_TOKENS", c.Middleware.SummaryTriggerTokens)
	c.Middleware.SummaryKeepMessages = envInt("COGNIGRAPH_SUMMARY_KEEP_MESSAGES", c.Middleware.SummaryKeepMessages)
	c.Middleware.ToolSelection = envBool("COGNIGRAPH_TOOL_SELECTION", c.Middleware.ToolSelection)
	c.Middleware.ToolSelectionMax = envInt("COGNIGRAPH_TOOL_SELECTION_MAX", c.Middleware.ToolSelectionMax)

	c.Store.Driver = envStr("COGNIGRAPH_STORE", c.Store.Driver)
	c.Store.Path = envStr("COGNIGRAPH_STORE_PATH", c.Store.Path)

	c.RAG.Enabled = envBool("COGNIGRAPH_RAG", c.RAG.Enabled)
	c.RAG.Embedder = envStr("COGNIGRAPH_EMBEDDER", c.RAG.Embedder)
	c.RAG.EmbeddingModel = envStr("COGNIGRAPH_EMBEDDING_MODEL", c.RAG.EmbeddingModel)
	c.RAG.EmbeddingEndpoint = envStr("COGNIGRAPH_EMBEDDING_ENDPOINT", c.RAG.EmbeddingEndpoint)
	c.RAG.VectorStore = envStr("COGNIGRAPH_VECTOR_STORE", c.RAG.VectorStore)
	c.RAG.PgvectorURL = envStr("DATABASE_URL", c.RAG.PgvectorURL)
	c.RAG.Collection = envStr("COGNIGRAPH_COLLECTION", c.RAG.Collection)
	c.RAG.Topic = envStr("COGNIGRAPH_RAG_TOPIC", c.RAG.Topic)
	c.RAG.ChunkSize = envInt("COGNIGRAPH_CHUNK_SIZE", c.RAG.ChunkSize)
	c.RAG.ChunkOverlap = envInt("COGNIGRAPH_CHUNK_OVERLAP", c.RAG.ChunkOverlap)
	c.RAG.TopK = envInt("COGNIGRAPH_TOP_K", c.RAG.TopK)
	c.RAG.Sources = envList("COGNIGRAPH_RAG_SOURCES", c.RAG.Sources)

	c.API.Keys = envList("COGNIGRAPH_API_KEYS", c.API.Keys)
	c.API.CORSOrigins = envList("COGNIGRAPH_CORS_ORIGINS", c.API.CORSOrigins)
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store driver %q: want memory or sqlite", c.Store.Driver))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("agent max_iterations must be positive"))
	}
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("rag chunk_overlap %d must be below chunk_size %d", c.RAG.ChunkOverlap, c.RAG.ChunkSize))
	}
	if c.RAG.VectorStore == "pgvector" && c.RAG.PgvectorURL == "" {
		errs = append(errs, errors.New("rag vector_store pgvector needs pgvector_url"))
	}
	for _, r := range c.Middleware.SelectionRules {
		if r.When == "" || r.Model == "" {
			errs = append(errs, fmt.Errorf("selection rule %+v needs when and model", r))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
