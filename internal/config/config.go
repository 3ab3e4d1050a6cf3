// Package config builds the immutable configuration for the Matrix Hub server.
// All options come from environment variables (plus an optional .env file);
// the resulting struct is constructed once in main and passed to components.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the Matrix Hub server.
type Config struct {
	Port          int    `env:"MATRIX_PORT" envDefault:"8080"`
	Version       string `env:"MATRIX_VERSION" envDefault:"0.1.0"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	AdminToken    string `env:"ADMIN_TOKEN"`

	Database   DatabaseConfig
	Ingest     IngestConfig
	Search     SearchConfig
	Embeddings EmbeddingsConfig
	Gateway    GatewayConfig
	Telemetry  TelemetryConfig
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the in-memory store.
	URL            string `env:"DATABASE_URL"`
	MaxConnections int    `env:"DATABASE_MAX_CONNECTIONS" envDefault:"25"`
}

type IngestConfig struct {
	Remotes            []string `env:"MATRIX_REMOTES" envSeparator:","`
	IntervalMinutes    int      `env:"INGEST_INTERVAL_MINUTES" envDefault:"15"`
	DeriveToolsFromMCP bool     `env:"DERIVE_TOOLS_FROM_MCP" envDefault:"true"`
	Workers            int      `env:"INGEST_WORKERS" envDefault:"4"`
	ProbeTimeoutSecs   int      `env:"PROBE_TIMEOUT_SECS" envDefault:"10"`
}

type SearchConfig struct {
	LexicalBackend string             `env:"LEXICAL_BACKEND" envDefault:"pgtrgm"` // pgtrgm | none
	VectorBackend  string             `env:"VECTOR_BACKEND" envDefault:"none"`    // pgvector | none
	HybridWeights  map[string]float64 `env:"HYBRID_WEIGHTS" envSeparator:"," envKeyValSeparator:"="`
	RAGEnabled     bool               `env:"RAG_ENABLED" envDefault:"false"`
	RecencyTauDays float64            `env:"RECENCY_TAU_DAYS" envDefault:"30"`
	PublicLimitCap int                `env:"PUBLIC_SEARCH_LIMIT_CAP" envDefault:"5"`
	RerankEndpoint string             `env:"RERANK_ENDPOINT"`
	RerankAPIKey   string             `env:"RERANK_API_KEY"`
	RerankModel    string             `env:"RERANK_MODEL" envDefault:"gpt-4o-mini"`
	CacheSize      int                `env:"SEARCH_CACHE_SIZE" envDefault:"256"`
}

type EmbeddingsConfig struct {
	Driver         string `env:"EMBEDDINGS_DRIVER" envDefault:"none"` // openai | ollama | none
	Model          string `env:"EMBEDDINGS_MODEL" envDefault:"text-embedding-3-small"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OllamaEndpoint string `env:"OLLAMA_ENDPOINT" envDefault:"http://localhost:11434"`
}

type GatewayConfig struct {
	URL           string `env:"GATEWAY_URL"`
	Token         string `env:"GATEWAY_TOKEN"`
	JWTSecret     string `env:"GATEWAY_JWT_SECRET"`
	AdminUsername string `env:"GATEWAY_ADMIN_USERNAME"`
	TimeoutSecs   int    `env:"GATEWAY_TIMEOUT_SECS" envDefault:"30"`
}

type TelemetryConfig struct {
	Enabled      bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"matrix-hub"`
}

// DefaultHybridWeights is used when HYBRID_WEIGHTS is unset or incomplete.
var DefaultHybridWeights = map[string]float64{
	"sem":  0.55,
	"lex":  0.35,
	"rec":  0.05,
	"qual": 0.05,
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Search.HybridWeights == nil {
		cfg.Search.HybridWeights = map[string]float64{}
	}
	for k, v := range DefaultHybridWeights {
		if _, ok := cfg.Search.HybridWeights[k]; !ok {
			cfg.Search.HybridWeights[k] = v
		}
	}
	if cfg.Ingest.Workers < 1 {
		cfg.Ingest.Workers = 1
	}
	if cfg.Search.PublicLimitCap < 1 {
		cfg.Search.PublicLimitCap = 1
	}
	return cfg, nil
}

// Weight returns the named hybrid weight (sem, lex, rec, qual).
func (s SearchConfig) Weight(name string) float64 { return s.HybridWeights[name] }

// GatewayConfigured reports whether a gateway target is set.
func (c *Config) GatewayConfigured() bool { return c.Gateway.URL != "" }

// Diagnostics returns human-readable configuration warnings. These are logged
// at startup and exposed on the health endpoint; none of them is fatal.
func (c *Config) Diagnostics() []string {
	var warns []string

	if u, err := url.Parse(c.PublicBaseURL); err != nil || !u.IsAbs() {
		warns = append(warns, fmt.Sprintf("public_base_url %q is not an absolute URL", c.PublicBaseURL))
	} else if strings.Contains(u.Host, "127.0.0.1") {
		// install_url values built from a loopback base are unusable by clients
		warns = append(warns, "public_base_url points at 127.0.0.1; install links will not resolve for remote clients")
	}

	if c.Gateway.Token != "" && c.Gateway.JWTSecret != "" {
		warns = append(warns, "both GATEWAY_TOKEN and GATEWAY_JWT_SECRET are set; the static token wins")
	}
	if c.Gateway.JWTSecret != "" && c.Gateway.AdminUsername == "" {
		warns = append(warns, "GATEWAY_JWT_SECRET set without GATEWAY_ADMIN_USERNAME; token minting disabled")
	}
	if c.Search.VectorBackend == "pgvector" && c.Embeddings.Driver == "none" {
		warns = append(warns, "VECTOR_BACKEND=pgvector but EMBEDDINGS_DRIVER=none; semantic search will return no hits")
	}
	if c.Search.LexicalBackend == "pgtrgm" && c.Database.URL == "" {
		warns = append(warns, "LEXICAL_BACKEND=pgtrgm without DATABASE_URL; falling back to the in-memory matcher")
	}
	if c.AdminToken == "" {
		warns = append(warns, "ADMIN_TOKEN not set; admin endpoints are open")
	}
	return warns
}
