package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

func TestInboxRepository_PostgresMarkProcessedAndSeen(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInboxRepository(store)

	ttl := time.Now().UTC().Add(96 * time.Hour)

	inserted, err := repo.MarkProcessed("inventory", "evt-inbox-1", ttl)
	require.NoError(t, err)
	require.True(t, inserted)

	// Повторная доставка того же события тем же потребителем.
	inserted, err = repo.MarkProcessed("inventory", "evt-inbox-1", ttl)
	require.NoError(t, err)
	require.False(t, inserted)

	// Другой потребитель ведёт собственный inbox.
	inserted, err = repo.MarkProcessed("payment", "evt-inbox-1", ttl)
	require.NoError(t, err)
	require.True(t, inserted)

	seen, err := repo.Seen("inventory", "evt-inbox-1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = repo.Seen("inventory", "evt-unknown")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestInboxRepository_PostgresMarkProcessedValidation(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInboxRepository(store)

	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.MarkProcessed("", "evt-1", ttl)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrConsumerRequired))

	_, err = repo.MarkProcessed("inventory", "", ttl)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrEventIDRequired))
}

func TestInboxRepository_PostgresDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInboxRepository(store)

	now := time.Now().UTC()

	_, err := repo.MarkProcessed("inventory", "evt-expired-1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	_, err = repo.MarkProcessed("inventory", "evt-expired-2", now.Add(-4*time.Minute))
	require.NoError(t, err)
	_, err = repo.MarkProcessed("inventory", "evt-expired-3", now.Add(-3*time.Minute))
	require.NoError(t, err)
	_, err = repo.MarkProcessed("inventory", "evt-active-1", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	seen, err := repo.Seen("inventory", "evt-active-1")
	require.NoError(t, err)
	require.True(t, seen)
}
