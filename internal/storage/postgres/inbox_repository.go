package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

type inboxRepository struct {
	db *sql.DB
}

// NewInboxRepository создаёт PostgreSQL-реализацию InboxRepository.
func NewInboxRepository(store *Store) domain.InboxRepository {
	return &inboxRepository{db: store.DB()}
}

// MarkProcessed вставляет отметку обработки, если её ещё нет.
func (r *inboxRepository) MarkProcessed(consumer, eventID string, ttlAt time.Time) (bool, error) {
	record := domain.InboxRecord{Consumer: consumer, EventID: eventID}
	if errs := record.Validate(); len(errs) > 0 {
		return false, errs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO inbox_records (consumer, event_id, processed_at, ttl_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (consumer, event_id) DO NOTHING
	`, consumer, eventID, time.Now().UTC(), ttlAt)
	if err != nil {
		return false, fmt.Errorf("insert inbox record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *inboxRepository) Seen(consumer, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM inbox_records
		WHERE consumer = $1 AND event_id = $2
	`, consumer, eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select inbox record: %w", err)
	}
	return true, nil
}

// DeleteExpired удаляет до limit отметок с истёкшим ttl.
func (r *inboxRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM inbox_records
		WHERE (consumer, event_id) IN (
			SELECT consumer, event_id
			FROM inbox_records
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.InboxRepository = (*inboxRepository)(nil)
