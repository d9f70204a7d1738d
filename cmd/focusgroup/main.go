// Focusgroup orchestrator server — runs LLM worker sessions against a
// sandbox, escalating stuck workers through the knowledge cache, human
// review, and the expert model.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/focusgroup-ai/focusgroup/pkg/api"
	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/cleanup"
	"github.com/focusgroup-ai/focusgroup/pkg/config"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge/postgres"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge/sqlite"
	"github.com/focusgroup-ai/focusgroup/pkg/learning"
	"github.com/focusgroup-ai/focusgroup/pkg/llm"
	"github.com/focusgroup-ai/focusgroup/pkg/review"
	"github.com/focusgroup-ai/focusgroup/pkg/sandbox"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
	"github.com/focusgroup-ai/focusgroup/pkg/version"
	"github.com/focusgroup-ai/focusgroup/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("FOCUSGROUP_CONFIG", "focusgroup.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	} else {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting focusgroup", "version", version.Full())

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Knowledge store backend
	store, closeStore, err := openKnowledgeStore(ctx, cfg.Knowledge, cfg.LLM.EmbeddingDim)
	if err != nil {
		slog.Error("Failed to open knowledge store", "backend", cfg.Knowledge.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("Knowledge store ready", "backend", cfg.Knowledge.Backend)

	// 3. Model gateway and embeddings
	chat := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey())

	var embedder llm.EmbeddingClient
	if cfg.LLM.APIKey() == "" {
		slog.Warn("No LLM API key set, using deterministic hash embeddings",
			"env", cfg.LLM.APIKeyEnv)
		embedder = llm.NewHashEmbedder(cfg.LLM.EmbeddingDim)
	} else {
		embedder = llm.NewEmbeddings(chat, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDim)
	}

	// 4. Sandbox provider
	var boxes sandbox.Provider
	if cfg.Sandbox.BaseURL == "" {
		slog.Warn("No sandbox service configured, using in-memory fake")
		boxes = sandbox.NewFake()
	} else {
		boxes = sandbox.NewHTTPProvider(cfg.Sandbox.BaseURL, cfg.Sandbox.APIKey())
	}

	// 5. Engine and collaborators
	events := bus.New()
	manager := session.NewManager()
	gate := review.NewGate(review.Mode(cfg.Review.Mode), review.WithWaitTimeout(cfg.Review.WaitTimeout))
	embedCache := knowledge.NewEmbedCache()

	workers := make([]workflow.WorkerSpec, len(cfg.Workers))
	for i, w := range cfg.Workers {
		workers[i] = workflow.WorkerSpec{ID: w.ID, Model: w.Model, Expertise: w.Expertise}
	}

	engine := workflow.New(workflow.Deps{
		Chat:       chat,
		Embedder:   embedder,
		Knowledge:  store,
		Sandbox:    boxes,
		Lessons:    learning.NewMemStore(),
		Gate:       gate,
		Events:     events,
		Manager:    manager,
		EmbedCache: embedCache,
	}, workflow.Options{
		Workers:     workers,
		ExpertModel: cfg.Expert.Model,
		Budget:      cfg.Budget,
	})
	slog.Info("Engine initialized",
		"workers", len(workers),
		"expert_model", cfg.Expert.Model,
		"review_mode", cfg.Review.Mode)

	// 6. Retention janitor
	janitor := cleanup.NewService(cfg.Retention, manager, events, engine, embedCache)
	janitor.Start(ctx)
	defer janitor.Stop()

	// 7. HTTP server (non-blocking)
	server := api.NewServer(engine, manager, events, gate, cfg.Budget)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. Running sessions are cancelled; the event
	// buffers survive until the janitor reaps them.
	for _, summary := range manager.List() {
		if sess, err := manager.Get(summary.SessionID); err == nil && !sess.Phase().Terminal() {
			sess.Cancel()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// openKnowledgeStore builds the configured backend. The returned
// closer is a no-op for the in-memory store.
func openKnowledgeStore(ctx context.Context, cfg config.KnowledgeConfig, dim int) (knowledge.Store, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Error("Error closing knowledge store", "error", err)
			}
		}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool, dim)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return knowledge.NewMemStore(), func() {}, nil
	}
}
