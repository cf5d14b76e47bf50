package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReaperConfig contains stuck-item sweep configuration.
type ReaperConfig struct {
	// StuckAfter is how long an item may sit in processing before it is
	// considered abandoned by a crashed or stalled pass.
	StuckAfter time.Duration
	// SweepInterval is the sweep cadence.
	SweepInterval time.Duration
	// SweepLimit bounds how many items one sweep reclaims.
	SweepLimit int
}

// DefaultReaperConfig returns default reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		StuckAfter:    10 * time.Minute,
		SweepInterval: time.Minute,
		SweepLimit:    100,
	}
}

// Reaper returns items abandoned in processing back to pending so a
// later pass retries them. A process crash mid-batch leaves claimed
// rows behind; without the sweep those rows would sit in processing
// forever.
type Reaper struct {
	config ReaperConfig
	store  Store

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a stuck-item reaper.
func NewReaper(config ReaperConfig, store Store) *Reaper {
	if config.StuckAfter <= 0 {
		config.StuckAfter = DefaultReaperConfig().StuckAfter
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultReaperConfig().SweepInterval
	}
	if config.SweepLimit <= 0 {
		config.SweepLimit = DefaultReaperConfig().SweepLimit
	}
	return &Reaper{
		config: config,
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("starting notification reaper",
		"stuck_after", r.config.StuckAfter,
		"sweep_interval", r.config.SweepInterval,
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop gracefully stops the reaper.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	slog.Info("notification reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.config.StuckAfter)
	reclaimed, err := r.store.ReclaimStuck(ctx, cutoff, r.config.SweepLimit)
	if err != nil {
		slog.Error("stuck-item sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		slog.Warn("reclaimed stuck notifications", "count", reclaimed, "cutoff", cutoff)
	}
}
