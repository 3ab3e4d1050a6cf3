// Matrix Hub — catalog and installer for agents, tools, and MCP servers.
//
// The server provides:
//   - Catalog ingestion from remote manifest indexes (scheduled + on demand)
//   - Hybrid search (lexical + semantic + recency + quality) with ETag caching
//   - Install planning and execution into a target project directory
//   - MCP gateway registration for ingested servers

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/matrixhub/matrixhub/internal/api"
	"github.com/matrixhub/matrixhub/internal/api/handlers"
	"github.com/matrixhub/matrixhub/internal/config"
	"github.com/matrixhub/matrixhub/internal/embeddings"
	"github.com/matrixhub/matrixhub/internal/gateway"
	"github.com/matrixhub/matrixhub/internal/ingest"
	"github.com/matrixhub/matrixhub/internal/installer"
	"github.com/matrixhub/matrixhub/internal/search"
	"github.com/matrixhub/matrixhub/internal/store"
	"github.com/matrixhub/matrixhub/internal/telemetry"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🧭 Matrix Hub starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	for _, warn := range cfg.Diagnostics() {
		log.Warn().Msg(warn)
	}

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer shutdownTelemetry(ctx)

	embedder := newEmbedder(cfg.Embeddings)
	st, err := newStore(ctx, cfg, embedder)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer st.Close()

	gw := gateway.New(cfg.Gateway)
	if gw == nil {
		log.Info().Msg("No gateway configured; server registration disabled")
	}

	engine := ingest.NewEngine(st, cfg.Ingest, embedder, registrarOrNil(gw))
	scheduler := ingest.NewScheduler(engine, time.Duration(cfg.Ingest.IntervalMinutes)*time.Minute)
	for _, remote := range cfg.Ingest.Remotes {
		if err := st.UpsertRemote(ctx, remote); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("Failed to register remote")
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	searchSvc := search.New(st, embedder, cfg.Search, cfg.PublicBaseURL)
	var installGW installer.GatewayRegistrar
	if gw != nil {
		installGW = gw
	}
	installSvc := installer.NewService(st, installer.NewExecutor(installGW))

	h := handlers.New(st, searchSvc, installSvc, engine, scheduler, cfg)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, h),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Str("store", storeKind(cfg)).
		Str("embeddings", embedder.Kind()).
		Int("remotes", len(cfg.Ingest.Remotes)).
		Msg("🧭 Matrix Hub is serving")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// newEmbedder selects the embeddings driver. "none" disables semantic search.
func newEmbedder(cfg config.EmbeddingsConfig) embeddings.Driver {
	switch cfg.Driver {
	case "openai":
		return embeddings.NewOpenAIDriver(cfg.OpenAIAPIKey, cfg.Model)
	case "ollama":
		return embeddings.NewOllamaDriver(cfg.OllamaEndpoint, cfg.Model)
	default:
		return embeddings.NoneDriver{}
	}
}

// newStore picks PostgreSQL when DATABASE_URL is set, the in-memory store
// otherwise.
func newStore(ctx context.Context, cfg *config.Config, embedder embeddings.Driver) (store.Store, error) {
	if cfg.Database.URL == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database.URL, store.PostgresOptions{
		LexicalEnabled: cfg.Search.LexicalBackend == "pgtrgm",
		VectorEnabled:  cfg.Search.VectorBackend == "pgvector" && embeddings.Enabled(embedder),
		Dimensions:     embedder.Dimensions(),
	})
}

func storeKind(cfg *config.Config) string {
	if cfg.Database.URL == "" {
		return "memory"
	}
	return "postgres"
}

// registrarOrNil keeps the nil check explicit: a typed nil *gateway.Client
// inside a non-nil interface would defeat the engine's registrar guard.
func registrarOrNil(gw *gateway.Client) ingest.Registrar {
	if gw == nil {
		return nil
	}
	return gw
}
