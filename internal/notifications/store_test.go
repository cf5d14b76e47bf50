package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pawnwatch/pawnwatch/internal/domain"
)

// memStore is an in-memory Store for unit tests. It mirrors the
// postgres implementation's transition guards so processor and tracker
// tests exercise the same semantics.
type memStore struct {
	mu sync.Mutex

	items        map[string]*QueueItem
	batches      map[string]*Batch
	suppressions []*SuppressionEntry
	events       map[string]string
	recipients   map[string]*domain.Recipient
	subs         map[string]*domain.Subscription // key: recipientID|playerKey
	lastSend     map[string]time.Time

	failWith     error // when set, every call errors
	failMarks    error // when set, MarkSent/MarkFailed/MarkRetry error
	failSuppress error // when set, CreateSuppression errors
	cooldown     time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		items:      make(map[string]*QueueItem),
		batches:    make(map[string]*Batch),
		events:     make(map[string]string),
		recipients: make(map[string]*domain.Recipient),
		subs:       make(map[string]*domain.Subscription),
		lastSend:   make(map[string]time.Time),
		cooldown:   time.Hour,
	}
}

func (s *memStore) Enqueue(_ context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for _, existing := range s.items {
		if existing.RecipientID != item.RecipientID ||
			existing.PlayerKey != item.PlayerKey ||
			existing.TemplateKind != item.TemplateKind {
			continue
		}
		if existing.Status == StatusPending || existing.Status == StatusProcessing {
			return ErrDuplicateItem
		}
		if existing.Status == StatusSent && existing.SentAt != nil &&
			time.Since(*existing.SentAt) < s.cooldown {
			return ErrDuplicateItem
		}
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *memStore) ClaimBatch(_ context.Context, filter BatchFilter, limit int) ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	now := time.Now()
	var due []*QueueItem
	for _, item := range s.items {
		if item.Status != StatusPending || item.ScheduledAt.After(now) {
			continue
		}
		if filter.Priority != nil && item.Priority != *filter.Priority {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*QueueItem, 0, len(due))
	for _, item := range due {
		item.Status = StatusProcessing
		if item.FirstAttemptedAt == nil {
			t := now
			item.FirstAttemptedAt = &t
		}
		t := now
		item.LastAttemptedAt = &t
		cp := *item
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *memStore) MarkSent(_ context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.failMarks != nil {
		return s.failMarks
	}
	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status.Terminal() {
		return nil
	}
	now := time.Now()
	item.Status = StatusSent
	item.SentAt = &now
	item.ProviderMessageID = providerMessageID
	item.ErrorCode = ""
	item.ErrorMessage = ""
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.failMarks != nil {
		return s.failMarks
	}
	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status.Terminal() {
		return nil
	}
	now := time.Now()
	item.Status = StatusFailed
	item.FailedAt = &now
	item.ErrorCode = errorCode
	item.ErrorMessage = errorMessage
	return nil
}

func (s *memStore) MarkRetry(_ context.Context, id string, nextRetryAt time.Time, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.failMarks != nil {
		return s.failMarks
	}
	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusProcessing {
		return nil
	}
	item.Status = StatusPending
	item.RetryCount++
	item.ScheduledAt = nextRetryAt
	item.ErrorCode = errorCode
	item.ErrorMessage = errorMessage
	return nil
}

func (s *memStore) MarkCancelled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	switch item.Status {
	case StatusPending, StatusProcessing:
		item.Status = StatusCancelled
		return nil
	case StatusCancelled:
		return nil
	default:
		return ErrItemTerminal
	}
}

func (s *memStore) GetItem(_ context.Context, id string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *memStore) GetItemByProviderMessageID(_ context.Context, providerMessageID string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, item := range s.items {
		if item.ProviderMessageID == providerMessageID && providerMessageID != "" {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (s *memStore) ReclaimStuck(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	var reclaimed int64
	for _, item := range s.items {
		if reclaimed >= int64(limit) {
			break
		}
		if item.Status == StatusProcessing && item.LastAttemptedAt != nil && item.LastAttemptedAt.Before(cutoff) {
			item.Status = StatusPending
			item.RetryCount++
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *memStore) GetStatistics(context.Context, time.Duration) (*QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	stats := &QueueStats{}
	for _, item := range s.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusSent:
			stats.Sent++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (s *memStore) CreateBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *memStore) FinishBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.batches[batch.ID]; !ok {
		return ErrItemNotFound
	}
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *memStore) CreateSuppression(_ context.Context, entry *SuppressionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.failSuppress != nil {
		return s.failSuppress
	}
	for _, existing := range s.suppressions {
		if existing.RecipientID == entry.RecipientID &&
			existing.PlayerKey == entry.PlayerKey &&
			existing.Scope == entry.Scope {
			existing.Reason = entry.Reason
			existing.CreatedAt = entry.CreatedAt
			existing.ExpiresAt = entry.ExpiresAt
			return nil
		}
	}
	cp := *entry
	s.suppressions = append(s.suppressions, &cp)
	return nil
}

func (s *memStore) IsSuppressed(_ context.Context, recipientID, playerKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	for _, entry := range s.suppressions {
		if entry.RecipientID != recipientID {
			continue
		}
		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
			continue
		}
		if entry.Scope == ScopeGlobal || entry.PlayerKey == playerKey {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CountSuppressions(_ context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	count := 0
	for _, entry := range s.suppressions {
		if entry.RecipientID == recipientID {
			if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
				continue
			}
			count++
		}
	}
	return count, nil
}

func (s *memStore) ProviderEventSeen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	_, seen := s.events[eventID]
	return seen, nil
}

func (s *memStore) RecordProviderEvent(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	if _, seen := s.events[eventID]; seen {
		return false, nil
	}
	s.events[eventID] = eventType
	return true, nil
}

func (s *memStore) RecipientNotificationsEnabled(_ context.Context, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	recipient, ok := s.recipients[recipientID]
	if !ok {
		return false, nil
	}
	return recipient.NotificationsEnabled, nil
}

func (s *memStore) SubscriptionActive(_ context.Context, recipientID, playerKey string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, false, s.failWith
	}
	sub, ok := s.subs[recipientID+"|"+playerKey]
	if !ok {
		return false, false, nil
	}
	return sub.IsActive, true, nil
}

func (s *memStore) LastSendAt(_ context.Context, recipientID, playerKey string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if t, ok := s.lastSend[recipientID+"|"+playerKey]; ok {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) DeactivateSubscription(_ context.Context, recipientID, playerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	key := recipientID + "|" + playerKey
	if sub, ok := s.subs[key]; ok {
		sub.IsActive = false
		return nil
	}
	s.subs[key] = &domain.Subscription{
		RecipientID: recipientID,
		PlayerKey:   playerKey,
		IsActive:    false,
	}
	return nil
}

func (s *memStore) GetRecipient(_ context.Context, recipientID string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	recipient, ok := s.recipients[recipientID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *recipient
	return &cp, nil
}

func (s *memStore) ListSubscriptions(_ context.Context, recipientID string) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var subs []domain.Subscription
	for _, sub := range s.subs {
		if sub.RecipientID == recipientID {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

// addRecipient seeds an enabled recipient.
func (s *memStore) addRecipient(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[id] = &domain.Recipient{ID: id, Email: email, NotificationsEnabled: true}
}
