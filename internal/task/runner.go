package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renderkit/comfyproxy/internal/domain"
	"github.com/renderkit/comfyproxy/internal/store"
)

// RunnerConfig holds configuration for the background runner.
type RunnerConfig struct {
	// Concurrency is the maximum number of tasks driven simultaneously.
	Concurrency int

	// PollInterval is how often the runner scans the store for pending tasks.
	PollInterval time.Duration

	// GenerationPollInterval is the fixed interval between engine polls
	// while a workflow executes.
	GenerationPollInterval time.Duration

	// GenerationTimeout bounds the whole generation phase of one task.
	GenerationTimeout time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:            2,
		PollInterval:           2 * time.Second,
		GenerationPollInterval: 1 * time.Second,
		GenerationTimeout:      10 * time.Minute,
	}
}

// Runner is the long-lived background loop that executes generation tasks.
type Runner struct {
	store      store.TaskStore
	generator  GenerationClient
	uploader   UploadClient
	config     RunnerConfig
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a new Runner.
func NewRunner(
	taskStore store.TaskStore,
	generator GenerationClient,
	uploader UploadClient,
	config RunnerConfig,
	logger *slog.Logger,
) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultRunnerConfig().Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if config.GenerationPollInterval <= 0 {
		config.GenerationPollInterval = DefaultRunnerConfig().GenerationPollInterval
	}
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = DefaultRunnerConfig().GenerationTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		store:      taskStore,
		generator:  generator,
		uploader:   uploader,
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start reports tasks stranded by a previous crash and launches the loop.
// Stranded tasks are deliberately NOT re-queued: resuming generation midway
// is not safe without engine-side idempotency, so recovery is left to the
// operator.
func (r *Runner) Start() error {
	stranded, err := r.store.CountInFlight(
		r.ctx, domain.TaskStatusProcessing, domain.TaskStatusUploading)
	if err != nil {
		return fmt.Errorf("failed to count in-flight tasks: %w", err)
	}
	if stranded > 0 {
		r.logger.Warn("found tasks stranded in a non-terminal state from a previous run; "+
			"they will not be resumed automatically",
			"count", stranded)
	}

	r.wg.Add(1)
	go r.loop()

	r.logger.Info("task runner started",
		"concurrency", r.config.Concurrency,
		"poll_interval", r.config.PollInterval)
	return nil
}

// Stop shuts the runner down and waits for in-flight tasks to abandon their
// work.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// loop scans for pending tasks at the configured interval and drives each
// batch through the executor under the concurrency bound.
func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.runBatch(); err != nil {
				r.logger.Error("worker iteration failed", "error", err)
			}
		}
	}
}

// runBatch fetches one batch of pending tasks and processes them
// concurrently. Claiming happens inside Process via compare-and-set, so a
// task listed here but already taken by another instance is skipped there.
func (r *Runner) runBatch() error {
	pending, err := r.store.ListPending(r.ctx, r.config.Concurrency)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(r.ctx)
	g.SetLimit(r.config.Concurrency)

	for _, t := range pending {
		g.Go(func() error {
			r.Process(ctx, t)
			return nil
		})
	}

	return g.Wait()
}
