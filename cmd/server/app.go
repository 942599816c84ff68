package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderkit/comfyproxy/internal/config"
	"github.com/renderkit/comfyproxy/internal/platform/comfyui"
	"github.com/renderkit/comfyproxy/internal/platform/feishu"
	"github.com/renderkit/comfyproxy/internal/platform/postgres"
	"github.com/renderkit/comfyproxy/internal/service"
	"github.com/renderkit/comfyproxy/internal/store"
	"github.com/renderkit/comfyproxy/internal/task"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore store.TaskStore

	comfyClient  *comfyui.Client
	feishuClient *feishu.Client

	taskService service.TaskService

	runner *task.Runner
}

// newApplication creates a new application instance with all dependencies
// initialized and the background runner started.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.taskStore = postgres.NewPostgresTaskStore(db)

	app.comfyClient = comfyui.NewClient(cfg.ComfyUI, logger)
	app.feishuClient = feishu.NewClient(cfg.Feishu, logger)

	var err error
	app.taskService, err = service.NewTaskService(app.taskStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	app.runner, err = setupRunner(app)
	if err != nil {
		return nil, fmt.Errorf("failed to set up task runner: %w", err)
	}

	logger.Info("application initialized")
	return app, nil
}

// Run starts the HTTP server and blocks until shutdown.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// setupRunner initializes and starts the background task runner.
func setupRunner(app *application) (*task.Runner, error) {
	runner := task.NewRunner(
		app.taskStore,
		app.comfyClient,
		app.feishuClient,
		task.RunnerConfig{
			Concurrency:            app.config.Worker.Concurrency,
			PollInterval:           time.Duration(app.config.Worker.PollIntervalSeconds) * time.Second,
			GenerationPollInterval: time.Duration(app.config.ComfyUI.PollIntervalSeconds) * time.Second,
			GenerationTimeout:      time.Duration(app.config.ComfyUI.GenerationTimeoutSeconds) * time.Second,
		},
		app.logger,
	)

	if err := runner.Start(); err != nil {
		return nil, fmt.Errorf("failed to start task runner: %w", err)
	}

	return runner, nil
}

// cleanup handles graceful shutdown of application resources. The runner
// stops before the database closes so in-flight state writes can land.
func (app *application) cleanup() {
	if app.runner != nil {
		app.runner.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
