package notifications

import (
	"math"
	"math/rand"
	"time"
)

// FailureClass categorizes a dispatch failure for retry and suppression
// decisions.
type FailureClass string

// Failure classifications.
const (
	// FailureTransient covers timeouts, 5xx transport responses, and
	// connection errors. Retried until the budget is exhausted.
	FailureTransient FailureClass = "transient"
	// FailureRateLimited covers provider throttling. Retried.
	FailureRateLimited FailureClass = "rate_limited"
	// FailureInvalidAddress covers malformed or rejected recipient
	// addresses. Never retried; the recipient is suppressed.
	FailureInvalidAddress FailureClass = "invalid_address"
	// FailureTemplate covers render-time payload errors. Never retried.
	FailureTemplate FailureClass = "template"
	// FailureHardBounce is reported by the provider post-send. Never
	// retried; the recipient is suppressed.
	FailureHardBounce FailureClass = "hard_bounce"
	// FailureComplaint is a spam report. Never retried; the recipient is
	// suppressed globally.
	FailureComplaint FailureClass = "complaint"
)

// Retryable reports whether failures of this class may be retried.
func (c FailureClass) Retryable() bool {
	return c == FailureTransient || c == FailureRateLimited
}

// Suppressing reports whether failures of this class warrant a
// suppression entry for the recipient.
func (c FailureClass) Suppressing() bool {
	switch c {
	case FailureInvalidAddress, FailureHardBounce, FailureComplaint:
		return true
	}
	return false
}

// RetryDecision is the backoff policy's verdict for one failed attempt.
type RetryDecision struct {
	ShouldRetry       bool          `json:"should_retry"`
	NextRetryAt       *time.Time    `json:"next_retry_at,omitempty"` // set iff ShouldRetry
	Backoff           time.Duration `json:"backoff"`
	TotalAttempts     int           `json:"total_attempts"`
	RemainingAttempts int           `json:"remaining_attempts"`
	// ShouldSuppress is true when the failure class is non-retryable
	// and the recipient must not receive further sends of this kind.
	// Exhausting the retry budget on a transient failure marks the item
	// failed without suppressing the recipient.
	ShouldSuppress bool         `json:"should_suppress"`
	Classification FailureClass `json:"classification"`
}

// ClassBackoff is the retry schedule shape for one priority tier.
type ClassBackoff struct {
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	MaxRetries int           `koanf:"max_retries"`
}

// DefaultBackoff returns the default per-priority retry schedules.
// Urgent notifications fail fast; low-urgency digests absorb longer
// outages with more retries.
func DefaultBackoff() map[Priority]ClassBackoff {
	return map[Priority]ClassBackoff{
		PriorityHigh:    {BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2.0, MaxRetries: 3},
		PriorityDefault: {BaseDelay: 1 * time.Minute, MaxDelay: 30 * time.Minute, Multiplier: 2.0, MaxRetries: 5},
		PriorityLow:     {BaseDelay: 5 * time.Minute, MaxDelay: 4 * time.Hour, Multiplier: 3.0, MaxRetries: 8},
	}
}

// Policy computes retry delays and termination. It holds no mutable
// state and is safe for concurrent use.
type Policy struct {
	classes map[Priority]ClassBackoff
	jitter  bool
	now     func() time.Time
	randf   func() float64
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithoutJitter disables full jitter. Used for deterministic schedule
// previews and tests only.
func WithoutJitter() PolicyOption {
	return func(p *Policy) { p.jitter = false }
}

// WithClock overrides the policy's time source.
func WithClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates a backoff policy from per-priority schedules.
// Priorities missing from classes fall back to the defaults.
func NewPolicy(classes map[Priority]ClassBackoff, opts ...PolicyOption) *Policy {
	merged := DefaultBackoff()
	for prio, cb := range classes {
		merged[prio] = cb
	}

	p := &Policy{
		classes: merged,
		jitter:  true,
		now:     time.Now,
		randf:   rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide returns the retry decision for the given attempt number
// (zero-based: the count of attempts already made), priority tier, and
// failure classification.
func (p *Policy) Decide(attempt int, priority Priority, class FailureClass) RetryDecision {
	cb, ok := p.classes[priority]
	if !ok {
		cb = p.classes[PriorityDefault]
	}

	decision := RetryDecision{
		TotalAttempts:  attempt + 1,
		Classification: class,
	}

	if !class.Retryable() {
		decision.ShouldSuppress = class.Suppressing()
		return decision
	}

	remaining := cb.MaxRetries - attempt - 1
	if remaining < 0 {
		remaining = 0
	}
	decision.RemainingAttempts = remaining

	if attempt+1 >= cb.MaxRetries {
		return decision
	}

	delay := p.delay(cb, attempt)
	at := p.now().Add(delay)
	decision.ShouldRetry = true
	decision.Backoff = delay
	decision.NextRetryAt = &at
	return decision
}

// DecideItem is Decide capped by the item's own retry budget. Enqueue
// requests may carry a max_retries below the priority tier's schedule;
// the tighter of the two budgets wins.
func (p *Policy) DecideItem(item *QueueItem, class FailureClass) RetryDecision {
	decision := p.Decide(item.RetryCount, item.Priority, class)

	if remaining := item.MaxRetries - item.RetryCount - 1; remaining < decision.RemainingAttempts {
		if remaining < 0 {
			remaining = 0
		}
		decision.RemainingAttempts = remaining
	}
	if decision.ShouldRetry && item.RetryCount+1 >= item.MaxRetries {
		decision.ShouldRetry = false
		decision.NextRetryAt = nil
		decision.Backoff = 0
	}
	return decision
}

// Schedule returns the un-jittered delays for every attempt of a
// priority tier. Used for schedule previews and configuration sanity
// checks.
func (p *Policy) Schedule(priority Priority) []time.Duration {
	cb, ok := p.classes[priority]
	if !ok {
		cb = p.classes[PriorityDefault]
	}

	delays := make([]time.Duration, 0, cb.MaxRetries)
	for attempt := 0; attempt < cb.MaxRetries-1; attempt++ {
		delays = append(delays, capDelay(cb, attempt))
	}
	return delays
}

// delay computes the backoff for one attempt, applying full jitter when
// enabled: a uniform draw from [0, capped delay] to avoid synchronized
// retry storms.
func (p *Policy) delay(cb ClassBackoff, attempt int) time.Duration {
	capped := capDelay(cb, attempt)
	if !p.jitter {
		return capped
	}
	return time.Duration(p.randf() * float64(capped))
}

func capDelay(cb ClassBackoff, attempt int) time.Duration {
	delay := float64(cb.BaseDelay) * math.Pow(cb.Multiplier, float64(attempt))
	if delay > float64(cb.MaxDelay) {
		return cb.MaxDelay
	}
	return time.Duration(delay)
}
