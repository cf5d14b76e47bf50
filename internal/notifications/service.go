package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pawnwatch/pawnwatch/internal/domain"
	"github.com/pawnwatch/pawnwatch/internal/pkg/ctxlog"
	"github.com/pawnwatch/pawnwatch/internal/pkg/metrics"
)

// DefaultMaxRetries applies when an enqueue request leaves the retry
// budget unset; the per-priority policy caps it further at decide time.
const DefaultMaxRetries = 5

// EnqueueRequest is the input for creating a queue item, consumed from
// the CRUD layer and the player monitoring job.
type EnqueueRequest struct {
	RecipientID      string          `json:"recipient_id" validate:"required"`
	RecipientAddress string          `json:"recipient_address" validate:"required,email"`
	PlayerKey        string          `json:"player_key" validate:"required"`
	TemplateKind     TemplateKind    `json:"template_kind" validate:"required"`
	TemplateData     json.RawMessage `json:"template_data" validate:"required"`
	Priority         Priority        `json:"priority" validate:"required"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries       *int            `json:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`
}

// Service provides the queue's business logic: validated enqueue
// behind the eligibility gate, cancellation, status lookup, and
// statistics.
type Service struct {
	store    Store
	gate     *Gate
	signer   *LinkSigner
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a notifications service.
func NewService(store Store, gate *Gate, signer *LinkSigner) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		signer:   signer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Enqueue validates the request, consults the eligibility gate, and
// persists a pending item. Returns ErrNotEligible (with the denial
// reason attached) when the gate denies, ErrDuplicateItem when the
// cooldown dedupe rejects the write, and validation errors for
// malformed input.
func (s *Service) Enqueue(ctx context.Context, req *EnqueueRequest) (*QueueItem, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("validate enqueue request: %w", err)
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, req.Priority)
	}

	// Parse the payload now so malformed template data never enters the
	// queue.
	if _, err := ParseTemplateData(req.TemplateKind, req.TemplateData); err != nil {
		return nil, err
	}

	decision, err := s.gate.CanNotify(ctx, req.RecipientID, req.PlayerKey)
	if err != nil {
		return nil, fmt.Errorf("eligibility check: %w", err)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, decision.Reason)
	}

	now := s.now().UTC()
	scheduledAt := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduledAt = req.ScheduledAt.UTC()
	}
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	item := &QueueItem{
		ID:               uuid.NewString(),
		RecipientID:      req.RecipientID,
		RecipientAddress: req.RecipientAddress,
		PlayerKey:        req.PlayerKey,
		TemplateKind:     req.TemplateKind,
		TemplateData:     req.TemplateData,
		Priority:         req.Priority,
		ScheduledAt:      scheduledAt,
		Status:           StatusPending,
		MaxRetries:       maxRetries,
		CreatedAt:        now,
	}
	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	metrics.NotificationsEnqueued.WithLabelValues(string(item.TemplateKind), fmt.Sprintf("%d", item.Priority)).Inc()
	ctxlog.FromContext(ctx).Info("notification enqueued",
		"item_id", item.ID,
		"template_kind", item.TemplateKind,
		"recipient_id", item.RecipientID,
		"player_key", item.PlayerKey,
		"priority", item.Priority,
		"scheduled_at", item.ScheduledAt)
	return item, nil
}

// Cancel cancels a pending or processing item. Already-terminal items
// return ErrItemTerminal; sent or failed work cannot be recalled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.store.MarkCancelled(ctx, id)
}

// GetItem returns one queue item by id.
func (s *Service) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	return s.store.GetItem(ctx, id)
}

// Statistics returns queue composition plus activity over the window.
func (s *Service) Statistics(ctx context.Context, window time.Duration) (*QueueStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.store.GetStatistics(ctx, window)
}

// Preferences describes a recipient's notification settings as shown
// behind a signed preferences link.
type Preferences struct {
	Recipient     *domain.Recipient     `json:"recipient"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
}

// GetPreferences resolves a signed preferences token into the
// recipient's current settings.
func (s *Service) GetPreferences(ctx context.Context, token string) (*Preferences, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Action != ActionPreferences {
		return nil, fmt.Errorf("token action %q is not a preferences token", claims.Action)
	}

	recipient, err := s.store.GetRecipient(ctx, claims.RecipientID)
	if err != nil {
		return nil, err
	}
	subscriptions, err := s.store.ListSubscriptions(ctx, claims.RecipientID)
	if err != nil {
		return nil, err
	}
	return &Preferences{Recipient: recipient, Subscriptions: subscriptions}, nil
}

// Unsubscribe applies a signed unsubscribe token: it deactivates the
// (recipient, player) subscription the token was issued for. Tokens
// with any other action are rejected.
func (s *Service) Unsubscribe(ctx context.Context, token string) (*LinkClaims, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Action != ActionUnsubscribe {
		return nil, fmt.Errorf("token action %q is not an unsubscribe token", claims.Action)
	}
	if err := s.store.DeactivateSubscription(ctx, claims.RecipientID, claims.PlayerKey); err != nil {
		return nil, fmt.Errorf("deactivate subscription: %w", err)
	}
	ctxlog.FromContext(ctx).Info("subscription deactivated via unsubscribe link",
		"recipient_id", claims.RecipientID,
		"player_key", claims.PlayerKey)
	return claims, nil
}
