package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains scheduler worker configuration.
type WorkerConfig struct {
	// BatchSize is the maximum number of items claimed per pass.
	BatchSize int
	// MaxConcurrentBatches is how many batch claims one trigger runs in
	// parallel. Each claim takes a disjoint slice of the queue.
	MaxConcurrentBatches int
	// ProcessingInterval is the trigger cadence.
	ProcessingInterval time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:            50,
		MaxConcurrentBatches: 2,
		ProcessingInterval:   15 * time.Second,
	}
}

// Worker drives the processor on a fixed cadence. Passes are
// cooperative: each trigger runs its batches to completion, and the
// store's atomic claim keeps overlapping passes from sharing items.
type Worker struct {
	config    WorkerConfig
	processor *Processor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a scheduler worker around a processor.
func NewWorker(config WorkerConfig, processor *Processor) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if config.MaxConcurrentBatches <= 0 {
		config.MaxConcurrentBatches = 1
	}
	if config.ProcessingInterval <= 0 {
		config.ProcessingInterval = DefaultWorkerConfig().ProcessingInterval
	}
	return &Worker{
		config:    config,
		processor: processor,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting notification scheduler",
		"batch_size", w.config.BatchSize,
		"max_concurrent_batches", w.config.MaxConcurrentBatches,
		"interval", w.config.ProcessingInterval,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop gracefully stops the worker, waiting for an in-flight pass.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("notification scheduler stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes one scheduler pass: up to MaxConcurrentBatches
// parallel claims, each processed independently. A batch's store error
// aborts that batch only.
func (w *Worker) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.config.MaxConcurrentBatches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.processor.ProcessBatch(ctx, BatchFilter{}, w.config.BatchSize); err != nil {
				slog.Error("batch processing failed", "error", err)
			}
		}()
	}
	wg.Wait()
}
