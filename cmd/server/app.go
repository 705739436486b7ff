package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/chalford/parchment-api/internal/cache"
	"github.com/chalford/parchment-api/internal/config"
	"github.com/chalford/parchment-api/internal/credits"
	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/events"
	"github.com/chalford/parchment-api/internal/extraction"
	"github.com/chalford/parchment-api/internal/generation"
	"github.com/chalford/parchment-api/internal/pipeline"
	"github.com/chalford/parchment-api/internal/platform/gemini"
	"github.com/chalford/parchment-api/internal/platform/postgres"
	"github.com/chalford/parchment-api/internal/platform/rediscache"
	"github.com/chalford/parchment-api/internal/progress"
	"github.com/chalford/parchment-api/internal/session"
	"github.com/chalford/parchment-api/internal/task"
)

// shutdownTimeout bounds how long the HTTP server may drain on shutdown.
const shutdownTimeout = 15 * time.Second

// application holds the composed dependency graph.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	redisClient *redis.Client
	responses   cache.Cache

	runner   *task.TaskRunner
	sweeper  *session.Sweeper
	sessions *session.Service
}

// newApplication wires the full dependency graph: database, migrations,
// cache, model client, stores, services, and the task machinery.
func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	logger := slog.Default()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// An empty Redis address disables caching; everything recomputes.
	var responses cache.Cache = cache.Noop{}
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		responses = rediscache.New(redisClient, logger)
		if err := responses.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup, cache degrades to miss",
				slog.String("error", err.Error()))
		}
	}

	model, err := gemini.NewClient(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	// Stores.
	sessionStore := postgres.NewPostgresSessionStore(db, logger)
	jobStore := postgres.NewPostgresJobStore(db, logger)
	creditStore := postgres.NewPostgresCreditStore(db, logger)
	resultStore := postgres.NewPostgresResultStore(db, logger)

	// Services.
	creditService := credits.NewService(db, creditStore, logger)
	schedule := credits.NewSchedule(cfg.Credits)
	aggregator := progress.NewAggregator(sessionStore, jobStore, logger)
	extractors := extraction.NewRegistry()
	extractors.Register(domain.FileTypePDF, extraction.PDFExtractor{})

	kindRegistry := generation.NewRegistry()
	generation.RegisterBuiltins(kindRegistry)

	responseTTL := cfg.Redis.ResponseTTL
	if responseTTL <= 0 {
		responseTTL = cache.DefaultResponseTTL
	}
	textTTL := cfg.Redis.TextTTL
	if textTTL <= 0 {
		textTTL = cache.DefaultTextTTL
	}

	// Task machinery. Rehydration factories are registered before the
	// runner recovers anything, so every persisted row can be rebuilt.
	factories := task.NewFactoryRegistry()
	taskStore := postgres.NewPostgresTaskStore(db, factories, logger)
	runner := task.NewTaskRunner(taskStore, task.TaskRunnerConfig{
		WorkerCount:            cfg.Task.WorkerCount,
		QueueSize:              cfg.Task.QueueSize,
		MaxAttempts:            cfg.Task.MaxAttempts,
		RetryBaseDelay:         cfg.Task.RetryBaseDelay,
		RetryMaxDelay:          cfg.Task.RetryMaxDelay,
		StuckTaskAge:           cfg.Task.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Task.StuckTaskCheckInterval,
	}, logger)

	generationDeps := generation.Deps{
		Sessions:           sessionStore,
		Jobs:               jobStore,
		Results:            resultStore,
		Cache:              responses,
		Credits:            creditService,
		Schedule:           schedule,
		Model:              model,
		Registry:           kindRegistry,
		Progress:           aggregator,
		Extract:            extractors,
		OutputRetryCeiling: cfg.LLM.OutputRetryCeiling,
		ResponseTTL:        responseTTL,
		TextTTL:            textTTL,
		Logger:             logger,
	}

	pipelineDeps := pipeline.Deps{
		Sessions:   sessionStore,
		Jobs:       jobStore,
		Cache:      responses,
		Extract:    extractors,
		Progress:   aggregator,
		Submitter:  runner,
		Generation: generationDeps,
		TextTTL:    textTTL,
		Logger:     logger,
	}

	factories.Register(task.TaskTypeDocumentPipeline, pipeline.Rehydrate(pipelineDeps))
	factories.Register(task.TaskTypeGeneration, generation.Rehydrate(generationDeps))

	// Event wiring: session submit emits a task request, the handler turns
	// it into a persisted pipeline task.
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(&pipelineTaskHandler{
		factories: factories,
		runner:    runner,
		logger:    logger,
	})

	sessionService := session.NewService(
		db,
		sessionStore,
		creditService,
		creditStore,
		&pipelineTaskPersister{factories: factories, tasks: taskStore},
		emitter,
		aggregator,
		session.Config{
			TokenCeiling:       cfg.Session.TokenCeiling,
			AnonymousAllowance: cfg.Credits.AnonymousAllowance,
		},
		logger,
	)

	sweeper := session.NewSweeper(
		sessionStore,
		creditService,
		creditStore,
		cfg.Session.InactivityTTL,
		cfg.Session.SweepInterval,
		logger,
	)

	return &application{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		responses:   responses,
		runner:      runner,
		sweeper:     sweeper,
		sessions:    sessionService,
	}, nil
}

// Run starts the task runner, the GC sweeper, and the HTTP server, then
// blocks until ctx is cancelled and everything has drained.
func (app *application) Run(ctx context.Context) error {
	if err := app.runner.Start(); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}
	app.sweeper.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("http server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	app.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("http server shutdown failed", slog.String("error", err.Error()))
	}

	app.sweeper.Stop()
	app.runner.Stop()

	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", slog.String("error", err.Error()))
	}

	app.logger.Info("shutdown complete")
	return nil
}
