package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

type inboxKey struct {
	consumer string
	eventID  string
}

// inboxRepositoryInMemory — in-memory реализация InboxRepository.
type inboxRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[inboxKey]domain.InboxRecord
}

// NewInboxRepository создаёт in-memory хранилище отметок об обработанных событиях.
func NewInboxRepository() domain.InboxRepository {
	return &inboxRepositoryInMemory{
		items: make(map[inboxKey]domain.InboxRecord),
	}
}

// MarkProcessed вставляет отметку с семантикой insert-if-absent.
func (r *inboxRepositoryInMemory) MarkProcessed(consumer, eventID string, ttlAt time.Time) (bool, error) {
	consumer = strings.TrimSpace(consumer)
	eventID = strings.TrimSpace(eventID)

	if consumer == "" {
		return false, domain.ErrConsumerRequired
	}
	if eventID == "" {
		return false, domain.ErrEventIDRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(96 * time.Hour)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := inboxKey{consumer: consumer, eventID: eventID}
	if _, exists := r.items[key]; exists {
		return false, nil
	}

	r.items[key] = domain.InboxRecord{
		Consumer:    consumer,
		EventID:     eventID,
		ProcessedAt: now,
		TTLAt:       ttlAt,
	}
	return true, nil
}

// Seen сообщает, обработано ли событие данным потребителем.
func (r *inboxRepositoryInMemory) Seen(consumer, eventID string) (bool, error) {
	if consumer == "" {
		return false, domain.ErrConsumerRequired
	}
	if eventID == "" {
		return false, domain.ErrEventIDRequired
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.items[inboxKey{consumer: consumer, eventID: eventID}]
	return ok, nil
}

// DeleteExpired удаляет просроченные отметки, до limit за вызов.
func (r *inboxRepositoryInMemory) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, record := range r.items {
		if record.TTLAt.After(before) {
			continue
		}

		delete(r.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

var _ domain.InboxRepository = (*inboxRepositoryInMemory)(nil)
