package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

const (
	opTimeout = 3 * time.Second

	keyPrefix = "shoppers:inbox:"
)

// InboxRepository хранит отметки обработанных событий в Redis. SetNX с TTL
// даёт и insert-if-absent, и автоматическое устаревание, поэтому отдельный
// cleanup-воркер этой реализации не нужен.
type InboxRepository struct {
	client *redis.Client
}

// NewInboxRepository создаёт Redis-реализацию InboxRepository.
func NewInboxRepository(client *redis.Client) *InboxRepository {
	return &InboxRepository{client: client}
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *InboxRepository) MarkProcessed(consumer, eventID string, ttlAt time.Time) (bool, error) {
	record := domain.InboxRecord{Consumer: consumer, EventID: eventID}
	if errs := record.Validate(); len(errs) > 0 {
		return false, errs[0]
	}

	ttl := time.Until(ttlAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	created, err := r.client.SetNX(ctx, recordKey(consumer, eventID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx inbox record: %w", err)
	}
	return created, nil
}

func (r *InboxRepository) Seen(consumer, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	count, err := r.client.Exists(ctx, recordKey(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists inbox record: %w", err)
	}
	return count > 0, nil
}

// DeleteExpired ничего не делает: Redis удаляет ключи по TTL сам.
func (r *InboxRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	return 0, nil
}

func recordKey(consumer, eventID string) string {
	return keyPrefix + consumer + ":" + eventID
}

var _ domain.InboxRepository = (*InboxRepository)(nil)
