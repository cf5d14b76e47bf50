// Package postgres provides the PostgreSQL implementation of the
// notifications queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawnwatch/pawnwatch/internal/domain"
	"github.com/pawnwatch/pawnwatch/internal/notifications"
)

const itemColumns = `
	id, recipient_id, recipient_address, player_key,
	template_kind, template_data,
	priority, scheduled_at, status, retry_count, max_retries,
	created_at, first_attempted_at, last_attempted_at, sent_at, failed_at,
	error_code, error_message, provider_message_id
`

// Repository implements notifications.Store using PostgreSQL.
type Repository struct {
	db       *pgxpool.Pool
	cooldown time.Duration
}

// NewRepository creates a new PostgreSQL repository. The cooldown is
// the dedupe window applied at enqueue time.
func NewRepository(db *pgxpool.Pool, cooldown time.Duration) *Repository {
	if cooldown <= 0 {
		cooldown = notifications.DefaultCooldown
	}
	return &Repository{db: db, cooldown: cooldown}
}

// Enqueue persists a new pending item unless a logically identical one
// is already in flight or was sent within the cooldown window.
func (r *Repository) Enqueue(ctx context.Context, item *notifications.QueueItem) error {
	query := `
		INSERT INTO queue_items (
			id, recipient_id, recipient_address, player_key,
			template_kind, template_data,
			priority, scheduled_at, status, retry_count, max_retries, created_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_items
			WHERE recipient_id = $2
			  AND player_key = $4
			  AND template_kind = $5
			  AND (
				status IN ('pending', 'processing')
				OR (status = 'sent' AND sent_at > NOW() - make_interval(secs => $12))
			  )
		)
	`
	tag, err := r.db.Exec(ctx, query,
		item.ID,
		item.RecipientID,
		item.RecipientAddress,
		item.PlayerKey,
		item.TemplateKind,
		item.TemplateData,
		item.Priority,
		item.ScheduledAt,
		notifications.StatusPending,
		item.MaxRetries,
		item.CreatedAt,
		r.cooldown.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notifications.ErrDuplicateItem
	}
	return nil
}

// ClaimBatch atomically moves up to limit due pending items to
// processing. SKIP LOCKED keeps concurrent claims disjoint without
// blocking each other.
func (r *Repository) ClaimBatch(ctx context.Context, filter notifications.BatchFilter, limit int) ([]*notifications.QueueItem, error) {
	query := `
		UPDATE queue_items SET
			status = 'processing',
			first_attempted_at = COALESCE(first_attempted_at, NOW()),
			last_attempted_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'pending'
			  AND scheduled_at <= NOW()
			  AND ($1::int IS NULL OR priority = $1)
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	rows, err := r.db.Query(ctx, query, filter.Priority, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items := make([]*notifications.QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}

	// UPDATE ... RETURNING yields rows in an unspecified order; restore
	// the claim order for the caller.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
	return items, nil
}

// MarkSent records a successful dispatch. Re-marking an item that
// already reached a terminal state is a no-op.
func (r *Repository) MarkSent(ctx context.Context, id, providerMessageID string) error {
	query := `
		UPDATE queue_items SET
			status = 'sent',
			sent_at = NOW(),
			provider_message_id = $2,
			error_code = '',
			error_message = ''
		WHERE id = $1 AND status NOT IN ('sent', 'failed', 'cancelled')
	`
	tag, err := r.db.Exec(ctx, query, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.requireExists(ctx, id)
	}
	return nil
}

// MarkFailed records a terminal failure. Idempotent like MarkSent.
func (r *Repository) MarkFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	query := `
		UPDATE queue_items SET
			status = 'failed',
			failed_at = NOW(),
			error_code = $2,
			error_message = $3
		WHERE id = $1 AND status NOT IN ('sent', 'failed', 'cancelled')
	`
	tag, err := r.db.Exec(ctx, query, id, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.requireExists(ctx, id)
	}
	return nil
}

// MarkRetry returns a processing item to pending for its next attempt.
// An item cancelled while its dispatch was in flight is left alone.
func (r *Repository) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errorCode, errorMessage string) error {
	query := `
		UPDATE queue_items SET
			status = 'pending',
			retry_count = retry_count + 1,
			scheduled_at = $2,
			error_code = $3,
			error_message = $4
		WHERE id = $1 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, id, nextRetryAt, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.requireExists(ctx, id)
	}
	return nil
}

// MarkCancelled cancels a pending or processing item. Cancelling an
// already-cancelled item is a no-op; sent or failed items return
// ErrItemTerminal.
func (r *Repository) MarkCancelled(ctx context.Context, id string) error {
	query := `
		UPDATE queue_items SET status = 'cancelled'
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status notifications.Status
	err = r.db.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notifications.ErrItemNotFound
		}
		return fmt.Errorf("get item status: %w", err)
	}
	if status == notifications.StatusCancelled {
		return nil
	}
	return notifications.ErrItemTerminal
}

// GetItem retrieves a queue item by ID.
func (r *Repository) GetItem(ctx context.Context, id string) (*notifications.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// GetItemByProviderMessageID retrieves the item a provider event refers to.
func (r *Repository) GetItemByProviderMessageID(ctx context.Context, providerMessageID string) (*notifications.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE provider_message_id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// ReclaimStuck returns items abandoned in processing back to pending.
func (r *Repository) ReclaimStuck(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `
		UPDATE queue_items SET
			status = 'pending',
			retry_count = retry_count + 1,
			error_code = 'stuck',
			error_message = 'reclaimed after processing timeout'
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'processing' AND last_attempted_at < $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`
	tag, err := r.db.Exec(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStatistics returns queue composition plus activity in the window.
func (r *Repository) GetStatistics(ctx context.Context, window time.Duration) (*notifications.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE created_at > NOW() - make_interval(secs => $1)),
			COUNT(*) FILTER (WHERE status = 'sent' AND sent_at > NOW() - make_interval(secs => $1)),
			COUNT(*) FILTER (WHERE status = 'failed' AND failed_at > NOW() - make_interval(secs => $1))
		FROM queue_items
	`
	var stats notifications.QueueStats
	err := r.db.QueryRow(ctx, query, window.Seconds()).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Sent,
		&stats.Failed,
		&stats.Cancelled,
		&stats.EnqueuedInWindow,
		&stats.SentInWindow,
		&stats.FailedInWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	return &stats, nil
}

// CreateBatch persists a new batch record.
func (r *Repository) CreateBatch(ctx context.Context, batch *notifications.Batch) error {
	query := `
		INSERT INTO batches (id, requested_size, priority_filter, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query,
		batch.ID,
		batch.RequestedSize,
		batch.PriorityFilter,
		batch.Status,
		batch.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// FinishBatch records a batch's final counters.
func (r *Repository) FinishBatch(ctx context.Context, batch *notifications.Batch) error {
	query := `
		UPDATE batches SET
			status = $2,
			processed = $3,
			sent = $4,
			failed = $5,
			completed_at = $6,
			processing_time_ms = $7
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		batch.ID,
		batch.Status,
		batch.Processed,
		batch.Sent,
		batch.Failed,
		batch.CompletedAt,
		batch.ProcessingTime.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notifications.ErrItemNotFound
	}
	return nil
}

// CreateSuppression upserts a suppression entry. A repeat for the same
// (recipient, player, scope) refreshes the existing entry.
func (r *Repository) CreateSuppression(ctx context.Context, entry *notifications.SuppressionEntry) error {
	query := `
		INSERT INTO suppression_entries (recipient_id, player_key, scope, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recipient_id, player_key, scope) DO UPDATE SET
			reason = EXCLUDED.reason,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		entry.RecipientID,
		entry.PlayerKey,
		entry.Scope,
		entry.Reason,
		entry.CreatedAt,
		entry.ExpiresAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("create suppression: %w", err)
	}
	return nil
}

// IsSuppressed reports whether an active global or player-scoped entry
// blocks sends to the recipient.
func (r *Repository) IsSuppressed(ctx context.Context, recipientID, playerKey string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM suppression_entries
			WHERE recipient_id = $1
			  AND (scope = 'global' OR player_key = $2)
			  AND (expires_at IS NULL OR expires_at > NOW())
		)
	`
	var suppressed bool
	if err := r.db.QueryRow(ctx, query, recipientID, playerKey).Scan(&suppressed); err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return suppressed, nil
}

// CountSuppressions counts a recipient's active entries across scopes.
func (r *Repository) CountSuppressions(ctx context.Context, recipientID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM suppression_entries
		WHERE recipient_id = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`
	var count int
	if err := r.db.QueryRow(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count suppressions: %w", err)
	}
	return count, nil
}

// ProviderEventSeen reports whether a webhook event id is already in
// the ledger.
func (r *Repository) ProviderEventSeen(ctx context.Context, eventID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM provider_events WHERE event_id = $1)`
	var seen bool
	if err := r.db.QueryRow(ctx, query, eventID).Scan(&seen); err != nil {
		return false, fmt.Errorf("check provider event: %w", err)
	}
	return seen, nil
}

// RecordProviderEvent stores a webhook event id. The unique constraint
// makes the first write win and replays report applied=false.
func (r *Repository) RecordProviderEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO provider_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("record provider event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecipientNotificationsEnabled reads the recipient's master toggle.
// Unknown recipients count as disabled.
func (r *Repository) RecipientNotificationsEnabled(ctx context.Context, recipientID string) (bool, error) {
	query := `SELECT notifications_enabled FROM recipients WHERE id = $1`
	var enabled bool
	err := r.db.QueryRow(ctx, query, recipientID).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get recipient toggle: %w", err)
	}
	return enabled, nil
}

// SubscriptionActive reads the per-player toggle.
func (r *Repository) SubscriptionActive(ctx context.Context, recipientID, playerKey string) (bool, bool, error) {
	query := `SELECT is_active FROM subscriptions WHERE recipient_id = $1 AND player_key = $2`
	var active bool
	err := r.db.QueryRow(ctx, query, recipientID, playerKey).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("get subscription: %w", err)
	}
	return active, true, nil
}

// LastSendAt returns the most recent attempted-or-sent timestamp for
// the pair, or nil when no send has been initiated.
func (r *Repository) LastSendAt(ctx context.Context, recipientID, playerKey string) (*time.Time, error) {
	query := `
		SELECT MAX(COALESCE(sent_at, created_at)) FROM queue_items
		WHERE recipient_id = $1
		  AND player_key = $2
		  AND status NOT IN ('failed', 'cancelled')
	`
	var last *time.Time
	if err := r.db.QueryRow(ctx, query, recipientID, playerKey).Scan(&last); err != nil {
		return nil, fmt.Errorf("get last send time: %w", err)
	}
	return last, nil
}

// DeactivateSubscription records an explicit inactive subscription row.
// An absent row means enabled-by-default, so unsubscribe must write one.
func (r *Repository) DeactivateSubscription(ctx context.Context, recipientID, playerKey string) error {
	query := `
		INSERT INTO subscriptions (recipient_id, player_key, is_active)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (recipient_id, player_key) DO UPDATE SET
			is_active = FALSE,
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, recipientID, playerKey); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

// GetRecipient retrieves a recipient's profile.
func (r *Repository) GetRecipient(ctx context.Context, recipientID string) (*domain.Recipient, error) {
	query := `
		SELECT id, email, notifications_enabled, created_at, updated_at
		FROM recipients
		WHERE id = $1
	`
	var recipient domain.Recipient
	err := r.db.QueryRow(ctx, query, recipientID).Scan(
		&recipient.ID,
		&recipient.Email,
		&recipient.NotificationsEnabled,
		&recipient.CreatedAt,
		&recipient.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrItemNotFound
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &recipient, nil
}

// ListSubscriptions retrieves a recipient's explicit subscription rows.
func (r *Repository) ListSubscriptions(ctx context.Context, recipientID string) ([]domain.Subscription, error) {
	query := `
		SELECT id, recipient_id, player_key, is_active, created_at, updated_at
		FROM subscriptions
		WHERE recipient_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subscriptions := make([]domain.Subscription, 0)
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID,
			&sub.RecipientID,
			&sub.PlayerKey,
			&sub.IsActive,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions rows: %w", err)
	}
	return subscriptions, nil
}

// requireExists maps a zero-row guarded update to its outcome: missing
// items error, terminal items are a no-op.
func (r *Repository) requireExists(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check item exists: %w", err)
	}
	if !exists {
		return notifications.ErrItemNotFound
	}
	return nil
}

func scanItem(row pgx.Row) (*notifications.QueueItem, error) {
	var item notifications.QueueItem
	err := row.Scan(
		&item.ID,
		&item.RecipientID,
		&item.RecipientAddress,
		&item.PlayerKey,
		&item.TemplateKind,
		&item.TemplateData,
		&item.Priority,
		&item.ScheduledAt,
		&item.Status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.CreatedAt,
		&item.FirstAttemptedAt,
		&item.LastAttemptedAt,
		&item.SentAt,
		&item.FailedAt,
		&item.ErrorCode,
		&item.ErrorMessage,
		&item.ProviderMessageID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	return &item, nil
}
