// Package server provides the public entry point for initializing the
// pipeline server.
//
// It lives in pkg/ (not internal/) so deployment wrappers can compose
// the assembled server with their own middleware or lifecycle hooks.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/analyzer"
	"github.com/squorworks/pipeline/internal/api"
	"github.com/squorworks/pipeline/internal/api/handlers"
	"github.com/squorworks/pipeline/internal/config"
	"github.com/squorworks/pipeline/internal/imagehost"
	"github.com/squorworks/pipeline/internal/ingest"
	"github.com/squorworks/pipeline/internal/janitor"
	"github.com/squorworks/pipeline/internal/notify"
	"github.com/squorworks/pipeline/internal/quota"
	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/internal/telemetry"
	"github.com/squorworks/pipeline/internal/worker"
	"github.com/squorworks/pipeline/internal/workflow"
)

// Server holds the assembled pipeline: HTTP surface plus the background
// services that drain the queue.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Engine  *workflow.Engine
	Port    int

	// ShutdownFunc flushes telemetry; call it on graceful shutdown.
	ShutdownFunc func(context.Context) error

	notifier *notify.Service
	pool     *worker.Pool
	janitor  *janitor.Janitor
	jcancel  context.CancelFunc
}

// New initializes every component from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the pipeline with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		dataStore = pg
	} else {
		dataStore = store.NewMemory()
		log.Info().Msg("✅ In-memory store initialized")
	}

	quotas := quota.NewRegistry(map[quota.Kind]quota.Limit{
		quota.TokensPerMinute:   {Max: cfg.Quota.TokensPerMinute, Window: time.Minute},
		quota.TokensPerDay:      {Max: cfg.Quota.TokensPerDay, Window: 24 * time.Hour},
		quota.RequestsPerMinute: {Max: cfg.Quota.RequestsPerMinute, Window: time.Minute},
		quota.RequestsPerDay:    {Max: cfg.Quota.RequestsPerDay, Window: 24 * time.Hour},
	})

	var ai analyzer.Analyzer
	if cfg.AI.APIKey != "" {
		gem, err := analyzer.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model)
		if err != nil {
			return nil, fmt.Errorf("init analyzer: %w", err)
		}
		ai = gem
		log.Info().Str("model", cfg.AI.Model).Msg("✅ Gemini analyzer initialized")
	} else {
		log.Warn().Msg("⚠️ SQUOR_GEMINI_API_KEY not set, AI analysis disabled")
	}

	images := imagehost.New(cfg.ImageHost.BaseURL, cfg.ImageHost.Bucket, cfg.ImageHost.APIKey)
	if images.Enabled() {
		log.Info().Str("bucket", cfg.ImageHost.Bucket).Msg("✅ Image host initialized")
	}

	notifier := notify.NewService(dataStore)
	notifier.Start(ctx)

	engine := workflow.NewEngine(dataStore, ai, quotas, images, notifier, workflow.Config{
		MaxRetries: cfg.Worker.MaxRetries,
		Detail:     analyzer.DetailLevel(cfg.AI.Detail),
	})

	pool := worker.NewPool(dataStore, engine, worker.Config{
		Workers:      cfg.Worker.Workers,
		BatchSize:    cfg.Worker.BatchSize,
		IdleInterval: cfg.Worker.IdleInterval,
	})
	pool.Start(ctx)

	jctx, jcancel := context.WithCancel(ctx)
	retention := time.Duration(cfg.Janitor.RetentionDays) * 24 * time.Hour
	var resumer janitor.Resumer = engine
	if !cfg.Janitor.ResumeBatchEnabled {
		resumer = noopResumer{}
	}
	jan := janitor.New(dataStore, resumer, cfg.Janitor.Interval, retention)
	go jan.Start(jctx)

	h := handlers.New(dataStore, engine, ingest.NewService(dataStore), quotas)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Engine:       engine,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		notifier:     notifier,
		pool:         pool,
		janitor:      jan,
		jcancel:      jcancel,
	}, nil
}

// noopResumer keeps the janitor pruning when batch resume is disabled.
type noopResumer struct{}

func (noopResumer) ResumeQuotaExceededBatch(context.Context, int) (int, error) { return 0, nil }

// Stop winds down the background services in dependency order: workers
// first so no stage emits events into a stopped notifier.
func (s *Server) Stop() {
	s.pool.Stop()
	s.jcancel()
	s.notifier.Stop()
	s.Store.Close()
}
