package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pawnwatch/pawnwatch/internal/pkg/ctxlog"
	"github.com/pawnwatch/pawnwatch/internal/pkg/metrics"
)

// Provider webhook event types.
const (
	EventDelivered  = "email.delivered"
	EventBounced    = "email.bounced"
	EventComplained = "email.complained"
)

// Bounce subtypes reported by the provider.
const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

// globalEscalationThreshold is the number of active suppression entries
// after which a recipient's next suppression becomes global. Repeated
// permanent failures across players signal a dead mailbox rather than a
// bad (recipient, player) pair.
const globalEscalationThreshold = 2

// ProviderEvent is the webhook payload posted by the email provider.
type ProviderEvent struct {
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Data      ProviderEventData `json:"data"`
}

// ProviderEventData identifies the message the event concerns.
type ProviderEventData struct {
	ID         string `json:"id"` // provider message id returned at send time
	To         string `json:"to"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	BounceType string `json:"bounce_type,omitempty"`
}

// Tracker applies signed provider webhook events to delivery state:
// audit for deliveries, suppression for hard bounces and complaints.
type Tracker struct {
	store    Store
	verifier *WebhookVerifier
	policy   *Policy
}

// NewTracker creates a delivery status tracker.
func NewTracker(store Store, verifier *WebhookVerifier, policy *Policy) *Tracker {
	return &Tracker{store: store, verifier: verifier, policy: policy}
}

// HandleEvent verifies, deduplicates, and applies one webhook delivery.
// Unverifiable events return ErrInvalidSignature or ErrStaleTimestamp
// and are never applied. Re-delivered event ids are acknowledged
// without re-applying their effects.
func (t *Tracker) HandleEvent(ctx context.Context, headers http.Header, body []byte) error {
	logger := ctxlog.FromContext(ctx)

	if err := t.verifier.Verify(headers, body); err != nil {
		logger.Warn("rejected provider event", "error", err)
		return err
	}

	var event ProviderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode provider event: %w", err)
	}
	if event.Data.ID == "" {
		return fmt.Errorf("provider event missing message id")
	}

	// The ledger is the idempotency gate: event ids seen before are
	// acknowledged and skipped.
	eventID := headers.Get(headerWebhookID)
	seen, err := t.store.ProviderEventSeen(ctx, eventID)
	if err != nil {
		return fmt.Errorf("check provider event: %w", err)
	}
	if seen {
		logger.Debug("duplicate provider event", "event_id", eventID, "type", event.Type)
		metrics.ProviderEvents.WithLabelValues(event.Type, "duplicate").Inc()
		return nil
	}

	if err := t.apply(ctx, eventID, &event); err != nil {
		return err
	}

	// The ledger write comes after the effects so a half-applied event
	// is redelivered by the provider instead of swallowed as a replay.
	if _, err := t.store.RecordProviderEvent(ctx, eventID, event.Type); err != nil {
		return fmt.Errorf("record provider event: %w", err)
	}
	metrics.ProviderEvents.WithLabelValues(event.Type, "applied").Inc()
	return nil
}

func (t *Tracker) apply(ctx context.Context, eventID string, event *ProviderEvent) error {
	logger := ctxlog.FromContext(ctx)

	item, err := t.store.GetItemByProviderMessageID(ctx, event.Data.ID)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			logger.Warn("provider event for unknown message",
				"event_id", eventID,
				"type", event.Type,
				"provider_message_id", event.Data.ID)
			return nil
		}
		return fmt.Errorf("lookup item for provider event: %w", err)
	}

	logger = logger.With(
		"event_id", eventID,
		"type", event.Type,
		"item_id", item.ID,
		"recipient_id", item.RecipientID)

	switch event.Type {
	case EventDelivered:
		logger.Info("delivery confirmed")
		return nil
	case EventBounced:
		return t.handleBounce(ctx, item, event.Data.BounceType)
	case EventComplained:
		logger.Info("complaint received, suppressing recipient globally")
		return t.suppress(ctx, item, ScopeGlobal, "complaint")
	default:
		logger.Warn("unhandled provider event type")
		return nil
	}
}

func (t *Tracker) handleBounce(ctx context.Context, item *QueueItem, bounceType string) error {
	logger := ctxlog.FromContext(ctx)

	if bounceType == BounceSoft {
		// Soft bounces are transient. When the provider reports one
		// before the item reached a terminal state, route it through the
		// normal retry path; otherwise it only informs the audit trail.
		if !item.Status.Terminal() {
			decision := t.policy.DecideItem(item, FailureTransient)
			if decision.ShouldRetry {
				logger.Info("soft bounce, scheduling retry",
					"item_id", item.ID,
					"next_retry_at", *decision.NextRetryAt)
				return t.store.MarkRetry(ctx, item.ID, *decision.NextRetryAt, "soft_bounce", "provider reported soft bounce")
			}
		}
		logger.Info("soft bounce recorded", "item_id", item.ID)
		return nil
	}

	// Hard bounce: suppress the (recipient, player) pair, escalating to
	// a global entry once the recipient has bounced across enough
	// players to look undeliverable everywhere.
	scope := ScopePlayer
	count, err := t.store.CountSuppressions(ctx, item.RecipientID)
	if err != nil {
		return fmt.Errorf("count suppressions: %w", err)
	}
	if count >= globalEscalationThreshold {
		scope = ScopeGlobal
	}
	logger.Info("hard bounce, suppressing recipient",
		"item_id", item.ID,
		"scope", scope)
	return t.suppress(ctx, item, scope, "hard_bounce")
}

func (t *Tracker) suppress(ctx context.Context, item *QueueItem, scope SuppressionScope, reason string) error {
	entry := &SuppressionEntry{
		RecipientID: item.RecipientID,
		Scope:       scope,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if scope == ScopePlayer {
		entry.PlayerKey = item.PlayerKey
	}
	if err := t.store.CreateSuppression(ctx, entry); err != nil {
		return fmt.Errorf("create suppression: %w", err)
	}
	metrics.SuppressionsCreated.WithLabelValues(string(scope), reason).Inc()
	return nil
}
