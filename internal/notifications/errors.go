package notifications

import "errors"

// Store errors.
var (
	ErrItemNotFound = errors.New("queue item not found")
	// ErrDuplicateItem is returned by Enqueue when a logically identical
	// notification for the same (recipient, player, kind) is already
	// pending, processing, or was sent within the cooldown window.
	ErrDuplicateItem = errors.New("duplicate notification within cooldown window")
	// ErrItemTerminal is returned when a non-idempotent transition is
	// attempted against an item already in a terminal state.
	ErrItemTerminal = errors.New("queue item already in terminal state")
)

// Payload errors.
var (
	ErrInvalidTemplateKind = errors.New("invalid template kind")
	ErrMissingTemplateData = errors.New("missing required template data")
)

// Enqueue errors.
var (
	ErrNotEligible     = errors.New("recipient not eligible for notification")
	ErrInvalidPriority = errors.New("invalid priority")
)

// Webhook errors.
var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)
