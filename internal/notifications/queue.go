// Package notifications implements the asynchronous email notification
// delivery engine: eligibility gating, a persisted work queue, batch
// processing with bounded fan-out, exponential-backoff retries, and
// delivery-status tracking from provider webhooks.
package notifications

import "time"

// Status represents the lifecycle state of a queue item.
type Status string

// Queue item statuses. Transitions are monotonic: pending -> processing ->
// (sent | failed). A failed item re-enters pending only through an explicit
// retry re-enqueue. Cancelled is terminal and reachable from pending or
// processing only.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders queue items for claiming. Lower is more urgent.
type Priority int

// Priority tiers.
const (
	PriorityHigh    Priority = 1
	PriorityDefault Priority = 2
	PriorityLow     Priority = 3
)

// Valid reports whether p is a recognized priority tier.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// QueueItem is one notification attempt lifecycle unit.
type QueueItem struct {
	ID string `json:"id"`

	// Routing.
	RecipientID      string `json:"recipient_id"`
	RecipientAddress string `json:"recipient_address"`
	PlayerKey        string `json:"player_key"`

	// Content.
	TemplateKind TemplateKind `json:"template_kind"`
	TemplateData []byte       `json:"template_data"`

	// Scheduling.
	Priority    Priority  `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`

	// Audit.
	CreatedAt         time.Time  `json:"created_at"`
	FirstAttemptedAt  *time.Time `json:"first_attempted_at,omitempty"`
	LastAttemptedAt   *time.Time `json:"last_attempted_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
}

// BatchStatus represents the state of a processing batch.
type BatchStatus string

// Batch statuses.
const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	// BatchStatusFailed records a pass whose outcomes could not be
	// persisted at all, typically a store outage mid-batch.
	BatchStatusFailed BatchStatus = "failed"
)

// Batch groups queue items claimed together for one processing pass.
// A batch completes once every claimed item has a per-attempt outcome
// for the pass: sent, deferred for retry, or failed. Items whose
// outcome never reached the store are not counted as processed.
type Batch struct {
	ID             string        `json:"id"`
	RequestedSize  int           `json:"requested_size"`
	PriorityFilter *Priority     `json:"priority_filter,omitempty"`
	Status         BatchStatus   `json:"status"`
	Processed      int           `json:"processed"`
	Sent           int           `json:"sent"`
	Failed         int           `json:"failed"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// BatchFilter narrows which pending items a batch claim considers.
type BatchFilter struct {
	// Priority restricts the claim to a single tier when set.
	Priority *Priority
}

// SuppressionScope determines how widely a suppression entry applies.
type SuppressionScope string

// Suppression scopes.
const (
	// ScopePlayer suppresses one (recipient, player) pair.
	ScopePlayer SuppressionScope = "player"
	// ScopeGlobal suppresses every send to the recipient.
	ScopeGlobal SuppressionScope = "global"
)

// SuppressionEntry excludes a recipient (optionally scoped to one player)
// from delivery after a hard bounce, complaint, or repeated permanent
// failures.
type SuppressionEntry struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	PlayerKey   string           `json:"player_key,omitempty"` // empty for global scope
	Scope       SuppressionScope `json:"scope"`
	Reason      string           `json:"reason"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"` // nil = permanent
}

// QueueStats reports the current queue composition plus activity within
// a statistics window.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`

	EnqueuedInWindow int64 `json:"enqueued_in_window"`
	SentInWindow     int64 `json:"sent_in_window"`
	FailedInWindow   int64 `json:"failed_in_window"`
}
