package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawnwatch/pawnwatch/internal/pkg/ctxlog"
	"github.com/pawnwatch/pawnwatch/internal/pkg/metrics"
)

// Processor defaults.
const (
	DefaultFanOut          = 10
	DefaultDispatchTimeout = 30 * time.Second
)

// Dispatch outcomes for metrics and batch accounting.
const (
	outcomeSent    = "sent"
	outcomeRetried = "retried"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// ProcessorConfig tunes one processor instance.
type ProcessorConfig struct {
	// FanOut bounds how many items of one batch dispatch concurrently.
	FanOut int
	// DispatchTimeout bounds each render-plus-send call.
	DispatchTimeout time.Duration
}

// Processor drains claimed batches: it renders each item, hands it to
// the mail transport, and applies the outcome to the store. One item's
// failure never affects its batch peers.
type Processor struct {
	store    Store
	renderer *Renderer
	mailer   Mailer
	policy   *Policy

	fanOut          int
	dispatchTimeout time.Duration
}

// NewProcessor creates a batch processor.
func NewProcessor(store Store, renderer *Renderer, mailer Mailer, policy *Policy, cfg ProcessorConfig) *Processor {
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultFanOut
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	return &Processor{
		store:           store,
		renderer:        renderer,
		mailer:          mailer,
		policy:          policy,
		fanOut:          cfg.FanOut,
		dispatchTimeout: cfg.DispatchTimeout,
	}
}

// ProcessBatch claims up to size due items and dispatches them
// concurrently under the fan-out bound. It returns the finished batch
// record; a batch with zero claimed items is not persisted and returns
// nil. Store failures before the claim abort the pass and leave
// nothing in flight.
func (p *Processor) ProcessBatch(ctx context.Context, filter BatchFilter, size int) (*Batch, error) {
	logger := ctxlog.FromContext(ctx)

	items, err := p.store.ClaimBatch(ctx, filter, size)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	metrics.BatchSize.Observe(float64(len(items)))

	batch := &Batch{
		ID:             uuid.NewString(),
		RequestedSize:  size,
		PriorityFilter: filter.Priority,
		Status:         BatchStatusProcessing,
		StartedAt:      time.Now().UTC(),
	}
	if err := p.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	logger.Info("processing batch",
		"batch_id", batch.ID,
		"claimed", len(items))

	outcomes := make([]string, len(items))
	sem := make(chan struct{}, p.fanOut)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item *QueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = p.dispatchOne(ctx, item)
		}(i, item)
	}
	wg.Wait()

	var skipped int
	for _, outcome := range outcomes {
		switch outcome {
		case outcomeSent:
			batch.Sent++
		case outcomeFailed:
			batch.Failed++
		case outcomeSkipped:
			// The outcome never reached the store; the item stays in
			// processing until the reaper reclaims it.
			skipped++
			continue
		}
		batch.Processed++
	}
	now := time.Now().UTC()
	batch.Status = BatchStatusCompleted
	if skipped == len(items) {
		batch.Status = BatchStatusFailed
	}
	batch.CompletedAt = &now
	batch.ProcessingTime = now.Sub(batch.StartedAt)
	if err := p.store.FinishBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("finish batch: %w", err)
	}

	logger.Info("batch completed",
		"batch_id", batch.ID,
		"status", batch.Status,
		"processed", batch.Processed,
		"sent", batch.Sent,
		"failed", batch.Failed,
		"skipped", skipped,
		"duration", batch.ProcessingTime)
	return batch, nil
}

// dispatchOne runs a single item's attempt end to end and applies the
// outcome. Panics in rendering or transport are contained here so the
// rest of the batch keeps going.
func (p *Processor) dispatchOne(ctx context.Context, item *QueueItem) (outcome string) {
	logger := ctxlog.FromContext(ctx).With(
		"item_id", item.ID,
		"template_kind", item.TemplateKind,
		"recipient_id", item.RecipientID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while dispatching item", "panic", r)
			outcome = p.applyFailure(ctx, item, FailureTemplate, "panic", fmt.Sprintf("%v", r))
		}
		metrics.NotificationsProcessed.WithLabelValues(outcome).Inc()
	}()

	start := time.Now()
	defer func() { metrics.NotificationDispatchDuration.Observe(time.Since(start).Seconds()) }()

	data, err := ParseTemplateData(item.TemplateKind, item.TemplateData)
	if err != nil {
		logger.Error("invalid template payload", "error", err)
		return p.applyFailure(ctx, item, FailureTemplate, "invalid_payload", err.Error())
	}

	rendered, err := p.renderer.Render(item.TemplateKind, data, item.RecipientID, item.PlayerKey)
	if err != nil {
		logger.Error("render failed", "error", err)
		return p.applyFailure(ctx, item, FailureTemplate, "render_error", err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.dispatchTimeout)
	defer cancel()
	providerID, err := p.mailer.Send(sendCtx, Message{
		To:      item.RecipientAddress,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	if err != nil {
		class := Classify(err)
		logger.Warn("dispatch failed",
			"error", err,
			"classification", class,
			"retry_count", item.RetryCount)
		return p.applyFailure(ctx, item, class, string(class), err.Error())
	}

	if err := p.store.MarkSent(ctx, item.ID, providerID); err != nil {
		logger.Error("mark sent failed", "error", err)
		return outcomeSkipped
	}
	logger.Info("notification sent", "provider_message_id", providerID)
	return outcomeSent
}

// applyFailure turns a classified failure into the item's next state:
// a scheduled retry, a terminal failure, or a terminal failure plus a
// suppression entry.
func (p *Processor) applyFailure(ctx context.Context, item *QueueItem, class FailureClass, code, message string) string {
	logger := ctxlog.FromContext(ctx)

	decision := p.policy.DecideItem(item, class)
	if decision.ShouldRetry {
		if err := p.store.MarkRetry(ctx, item.ID, *decision.NextRetryAt, code, message); err != nil {
			logger.Error("mark retry failed", "item_id", item.ID, "error", err)
			return outcomeSkipped
		}
		return outcomeRetried
	}

	if err := p.store.MarkFailed(ctx, item.ID, code, message); err != nil {
		logger.Error("mark failed failed", "item_id", item.ID, "error", err)
		return outcomeSkipped
	}

	if decision.ShouldSuppress {
		entry := &SuppressionEntry{
			RecipientID: item.RecipientID,
			PlayerKey:   item.PlayerKey,
			Scope:       ScopePlayer,
			Reason:      string(class),
			CreatedAt:   time.Now().UTC(),
		}
		if class == FailureComplaint {
			entry.Scope = ScopeGlobal
			entry.PlayerKey = ""
		}
		if err := p.store.CreateSuppression(ctx, entry); err != nil {
			logger.Error("create suppression failed", "item_id", item.ID, "error", err)
		} else {
			metrics.SuppressionsCreated.WithLabelValues(string(entry.Scope), entry.Reason).Inc()
		}
	}
	return outcomeFailed
}
