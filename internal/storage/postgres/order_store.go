package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// orderStore фиксирует заказ и его outbox-сообщения в одной транзакции.
// Переход без события (или событие без перехода) в базу не попадает.
type orderStore struct {
	db *sql.DB
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{db: store.DB()}
}

func (s *orderStore) CreateWithEvents(order domain.Order, msgs []domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, status, currency, amount_minor,
			tracking_number, version, created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		order.ID, order.CustomerID, string(order.Status), order.Currency, order.AmountMinor,
		order.TrackingNumber, order.Version, order.CreatedAt, order.UpdatedAt, order.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, position, product_id, qty, price_minor
			) VALUES ($1,$2,$3,$4,$5)
		`,
			order.ID, i, item.ProductID, item.Qty, item.PriceMinor,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err = insertOutboxMessages(ctx, tx, msgs); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}

	return nil
}

func (s *orderStore) SaveWithEvents(order domain.Order, msgs []domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    tracking_number = $2,
		    version = version + 1,
		    updated_at = $3,
		    completed_at = $4
		WHERE id = $5
		  AND version = $6
	`,
		string(order.Status),
		order.TrackingNumber,
		order.UpdatedAt,
		order.CompletedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var id string
		scanErr := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, order.ID).Scan(&id)
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = domain.ErrOrderNotFound
			return err
		}
		if scanErr != nil {
			err = fmt.Errorf("check order exists: %w", scanErr)
			return err
		}
		err = domain.ErrVersionConflict
		return err
	}

	if err = insertOutboxMessages(ctx, tx, msgs); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save order: %w", err)
	}

	return nil
}

func insertOutboxMessages(ctx context.Context, tx *sql.Tx, msgs []domain.OutboxMessage) error {
	now := time.Now().UTC()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (
				id, aggregate_type, aggregate_id, event_type, topic, payload,
				status, attempt_count, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,'pending',0,$7,$8)
		`,
			msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic, msg.Payload, now, now,
		); err != nil {
			return fmt.Errorf("enqueue outbox message: %w", err)
		}
	}
	return nil
}

var _ domain.OrderStore = (*orderStore)(nil)
