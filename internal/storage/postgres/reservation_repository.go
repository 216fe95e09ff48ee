package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

type reservationRepository struct {
	db *sql.DB
}

// NewReservationRepository создаёт PostgreSQL-реализацию ReservationRepository.
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepository{db: store.DB()}
}

// CreateIfAbsent вставляет резерв, если пары (заказ, товар) ещё нет.
// ON CONFLICT DO NOTHING делает вставку атомарной гонкоустойчивой проверкой.
func (r *reservationRepository) CreateIfAbsent(res domain.Reservation) (bool, error) {
	if errs := res.Validate(); len(errs) > 0 {
		return false, errs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO reservations (order_id, product_id, qty, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (order_id, product_id) DO NOTHING
	`,
		res.OrderID, res.ProductID, res.Qty, string(res.Status), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert reservation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *reservationRepository) Get(orderID, productID string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		res    domain.Reservation
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT order_id, product_id, qty, status, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		  AND product_id = $2
	`, orderID, productID).Scan(&res.OrderID, &res.ProductID, &res.Qty, &status, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, domain.ErrProductNotFound
		}
		return domain.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	res.Status = domain.ReservationStatus(status)
	return res, nil
}

func (r *reservationRepository) ListByOrder(orderID string) ([]domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, qty, status, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		ORDER BY created_at ASC, product_id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	reservations := make([]domain.Reservation, 0)
	for rows.Next() {
		var (
			res    domain.Reservation
			status string
		)
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.Qty, &status, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res.Status = domain.ReservationStatus(status)
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}

	return reservations, nil
}

func (r *reservationRepository) MarkReserved(orderID, productID string) error {
	return r.setStatus(orderID, productID, domain.ReservationStatusReserved)
}

func (r *reservationRepository) MarkReleased(orderID, productID string) error {
	return r.setStatus(orderID, productID, domain.ReservationStatusReleased)
}

func (r *reservationRepository) setStatus(orderID, productID string, status domain.ReservationStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = $1,
		    updated_at = $2
		WHERE order_id = $3
		  AND product_id = $4
	`, string(status), time.Now().UTC(), orderID, productID)
	if err != nil {
		return fmt.Errorf("mark reservation %s: %w", status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)
