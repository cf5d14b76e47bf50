package notifications

import (
	"context"
	"errors"
	"time"
)

// DenialReason explains why the eligibility gate refused a send.
type DenialReason string

// Denial reasons, in check order.
const (
	ReasonDisabledGlobally  DenialReason = "notifications_disabled"
	ReasonDisabledForPlayer DenialReason = "player_notifications_disabled"
	ReasonSuppressed        DenialReason = "recipient_suppressed"
	ReasonCooldownActive    DenialReason = "cooldown_active"
	ReasonStoreError        DenialReason = "store_error"
)

// Decision is the gate's verdict for a (recipient, player) pair.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Reason  DenialReason `json:"reason,omitempty"`
}

// EligibilitySource is the read-only preference and history surface the
// gate consults. The queue store satisfies it.
type EligibilitySource interface {
	RecipientNotificationsEnabled(ctx context.Context, recipientID string) (bool, error)
	SubscriptionActive(ctx context.Context, recipientID, playerKey string) (active bool, found bool, err error)
	IsSuppressed(ctx context.Context, recipientID, playerKey string) (bool, error)
	LastSendAt(ctx context.Context, recipientID, playerKey string) (*time.Time, error)
}

// Gate decides whether a notification may be sent to a recipient about
// a player. Checks run in order and short-circuit on the first failure.
// Store errors fail closed: under uncertainty the gate refuses rather
// than risks spamming.
type Gate struct {
	src      EligibilitySource
	cooldown time.Duration
	now      func() time.Time
}

// DefaultCooldown is the minimum gap between sends to the same
// (recipient, player) pair.
const DefaultCooldown = time.Hour

// NewGate creates an eligibility gate. A non-positive cooldown falls
// back to DefaultCooldown.
func NewGate(src EligibilitySource, cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{src: src, cooldown: cooldown, now: time.Now}
}

// CanNotify reports whether a notification about playerKey may be sent
// to the recipient. The returned error is non-nil only for transient
// store failures; the decision is already fail-closed in that case.
func (g *Gate) CanNotify(ctx context.Context, recipientID, playerKey string) (Decision, error) {
	if recipientID == "" || playerKey == "" {
		return Decision{Allowed: false, Reason: ReasonStoreError}, errors.New("recipient id and player key are required")
	}

	enabled, err := g.src.RecipientNotificationsEnabled(ctx, recipientID)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonStoreError}, err
	}
	if !enabled {
		return Decision{Allowed: false, Reason: ReasonDisabledGlobally}, nil
	}

	active, found, err := g.src.SubscriptionActive(ctx, recipientID, playerKey)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonStoreError}, err
	}
	// Absent subscription row defaults to enabled; an explicit row must
	// be active.
	if found && !active {
		return Decision{Allowed: false, Reason: ReasonDisabledForPlayer}, nil
	}

	suppressed, err := g.src.IsSuppressed(ctx, recipientID, playerKey)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonStoreError}, err
	}
	if suppressed {
		return Decision{Allowed: false, Reason: ReasonSuppressed}, nil
	}

	lastSend, err := g.src.LastSendAt(ctx, recipientID, playerKey)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonStoreError}, err
	}
	if lastSend != nil && g.now().Sub(*lastSend) < g.cooldown {
		return Decision{Allowed: false, Reason: ReasonCooldownActive}, nil
	}

	return Decision{Allowed: true}, nil
}
