package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/jackie/internal/chat"
	"github.com/ent0n29/jackie/internal/config"
	"github.com/ent0n29/jackie/internal/generation"
	"github.com/ent0n29/jackie/internal/httpapi"
	"github.com/ent0n29/jackie/internal/observability"
	"github.com/ent0n29/jackie/internal/policy"
	"github.com/ent0n29/jackie/internal/profile"
	"github.com/ent0n29/jackie/internal/session"
	"github.com/ent0n29/jackie/internal/store"
)

// BuildResult holds the wired components of a running service.
type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Store        store.Store
	Controller   *session.Controller
	Orchestrator *chat.Orchestrator
	Metrics      *observability.Metrics
	Backend      string

	// Cleanup closes the durable store. Call it after sessions are flushed.
	Cleanup func() error
}

// Build wires the store, session lifecycle, context fetcher, generation
// backend and HTTP API from cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, store.Config{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	logger.Info("store ready", "mode", st.Mode())

	for _, contact := range cfg.SeedContacts {
		id, err := st.UpsertUser(ctx, contact)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed contact %s: %w", policy.MaskContact(contact), err)
		}
		logger.Debug("seeded contact", "contact", policy.MaskContact(contact), "user_id", id)
	}

	adapter, err := generation.NewAdapter(generation.Config{
		Mode:            cfg.GenerationMode,
		AzureEndpoint:   cfg.AzureOpenAIEndpoint,
		AzureAPIKey:     cfg.AzureOpenAIAPIKey,
		AzureDeployment: cfg.AzureOpenAIDeployment,
		AzureAPIVersion: cfg.AzureOpenAIAPIVersion,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIModel:     cfg.OpenAIModel,
		HTTPURL:         cfg.GenerationHTTPURL,
		Temperature:     float32(cfg.GenerationTemperature),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("generation adapter init failed: %w", err)
	}
	backend := generation.Describe(adapter)
	logger.Info("generation backend ready", "backend", backend)

	registry := session.NewRegistry(
		cfg.SessionInactivityTimeout,
		session.WithSessionStore(st),
		session.WithHistoryLoader(st),
		session.WithMaxMessages(cfg.HistoryMaxMessages),
		session.WithStoreTimeout(cfg.StoreTimeout),
		session.WithRegistryLogger(logger),
	)
	controller := session.NewController(
		registry,
		st,
		session.WithControllerLogger(logger),
		session.WithCloseTimeout(cfg.StoreTimeout),
		session.WithSweepProbability(cfg.SweepProbability),
	)
	controller.SetEventHook(func(event string) {
		metrics.ObserveSessionEvent(event)
		metrics.SetActiveSessions(registry.ActiveCount())
	})

	fetcher := profile.NewFetcher(
		st,
		profile.WithTimeout(cfg.StoreTimeout),
		profile.WithLogger(logger),
		profile.WithErrorHook(metrics.ObserveStoreError),
	)

	orchestrator := chat.NewOrchestrator(
		st,
		st,
		controller,
		adapter,
		chat.WithLogger(logger),
		chat.WithMetrics(metrics),
		chat.WithContextFetcher(fetcher),
		chat.WithStoreTimeout(cfg.StoreTimeout),
		chat.WithGenerationTimeout(cfg.GenerationTimeout),
	)

	api := httpapi.New(cfg, orchestrator, metrics,
		httpapi.WithLogger(logger),
		httpapi.WithStatus(httpapi.Status{StoreMode: st.Mode(), GenerationBackend: backend}),
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Store:        st,
		Controller:   controller,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Backend:      backend,
		Cleanup:      st.Close,
	}, nil
}
