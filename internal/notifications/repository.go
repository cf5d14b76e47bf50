package notifications

import (
	"context"
	"time"

	"github.com/pawnwatch/pawnwatch/internal/domain"
)

// Store is the single source of truth for queue items, batches, and
// suppression entries. It is the only component permitted to mutate
// their state; every other component returns decisions for the
// processor to apply through it.
type Store interface {
	// Queue item lifecycle.

	// Enqueue persists a new pending item. Returns ErrDuplicateItem when
	// a logically identical notification for the same (recipient, player,
	// kind) is already pending/processing or was sent within the cooldown
	// window. This write-time guard backs the eligibility gate's cooldown
	// guarantee against check-then-enqueue races.
	Enqueue(ctx context.Context, item *QueueItem) error

	// ClaimBatch atomically transitions up to limit due pending items
	// (scheduled_at <= now) to processing and returns them, ordered by
	// priority ascending then scheduled_at ascending. Two concurrent
	// claims never return the same item.
	ClaimBatch(ctx context.Context, filter BatchFilter, limit int) ([]*QueueItem, error)

	// MarkSent records a successful dispatch. Idempotent: a no-op when
	// the item is already terminal.
	MarkSent(ctx context.Context, id, providerMessageID string) error

	// MarkFailed records a terminal failure. Idempotent.
	MarkFailed(ctx context.Context, id, errorCode, errorMessage string) error

	// MarkRetry returns a processing item to pending with retry_count
	// incremented and scheduled_at set to nextRetryAt. A no-op when the
	// item was cancelled while in flight.
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errorCode, errorMessage string) error

	// MarkCancelled cancels a pending or processing item. Idempotent.
	MarkCancelled(ctx context.Context, id string) error

	GetItem(ctx context.Context, id string) (*QueueItem, error)
	GetItemByProviderMessageID(ctx context.Context, providerMessageID string) (*QueueItem, error)

	// ReclaimStuck returns items stuck in processing since before cutoff
	// back to pending with retry_count incremented, up to limit. Returns
	// the number of reclaimed items.
	ReclaimStuck(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	GetStatistics(ctx context.Context, window time.Duration) (*QueueStats, error)

	// Batch records.

	CreateBatch(ctx context.Context, batch *Batch) error
	FinishBatch(ctx context.Context, batch *Batch) error

	// Suppression.

	// CreateSuppression upserts a suppression entry; recording the same
	// (recipient, player, scope) twice extends rather than duplicates it.
	CreateSuppression(ctx context.Context, entry *SuppressionEntry) error

	// IsSuppressed reports whether an active entry (global or matching
	// the player key) exists for the recipient.
	IsSuppressed(ctx context.Context, recipientID, playerKey string) (bool, error)

	// CountSuppressions returns the number of active entries for a
	// recipient across all scopes. Used by the escalation heuristic.
	CountSuppressions(ctx context.Context, recipientID string) (int, error)

	// Provider event ledger.

	// ProviderEventSeen reports whether an event id is already in the
	// ledger. Checked before a webhook's effects are applied.
	ProviderEventSeen(ctx context.Context, eventID string) (bool, error)

	// RecordProviderEvent stores a provider event id for webhook
	// idempotency. Returns false when the event was seen before.
	// Written after the event's effects so a half-applied event is not
	// deduplicated away on redelivery.
	RecordProviderEvent(ctx context.Context, eventID, eventType string) (applied bool, err error)

	// Eligibility reads.

	RecipientNotificationsEnabled(ctx context.Context, recipientID string) (bool, error)

	// SubscriptionActive reports the per-player toggle. found is false
	// when no explicit subscription row exists; the gate treats that as
	// enabled by default.
	SubscriptionActive(ctx context.Context, recipientID, playerKey string) (active bool, found bool, err error)

	// LastSendAt returns the most recent attempted-or-sent timestamp for
	// the (recipient, player) pair, or nil when none exists.
	LastSendAt(ctx context.Context, recipientID, playerKey string) (*time.Time, error)

	// DeactivateSubscription disables the per-player toggle. Used by the
	// unsubscribe endpoint.
	DeactivateSubscription(ctx context.Context, recipientID, playerKey string) error

	// GetRecipient returns a recipient's profile, or ErrItemNotFound.
	GetRecipient(ctx context.Context, recipientID string) (*domain.Recipient, error)

	// ListSubscriptions returns a recipient's explicit subscription rows.
	ListSubscriptions(ctx context.Context, recipientID string) ([]domain.Subscription, error)
}
