package memory

import (
	"sync"
	"time"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// reservationRepositoryInMemory хранит резервы с ключом (orderID, productID).
type reservationRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[reservationKey]domain.Reservation
	// order хранит порядок вставки ключей по заказу для стабильного ListByOrder.
	order map[string][]reservationKey
}

type reservationKey struct {
	orderID   string
	productID string
}

// NewReservationRepository возвращает in-memory репозиторий резервов.
func NewReservationRepository() domain.ReservationRepository {
	return &reservationRepositoryInMemory{
		items: make(map[reservationKey]domain.Reservation),
		order: make(map[string][]reservationKey),
	}
}

// CreateIfAbsent вставляет резерв, если пары (orderID, productID) ещё нет.
func (r *reservationRepositoryInMemory) CreateIfAbsent(res domain.Reservation) (bool, error) {
	if errs := res.Validate(); len(errs) > 0 {
		return false, errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := reservationKey{orderID: res.OrderID, productID: res.ProductID}
	if _, exists := r.items[key]; exists {
		return false, nil
	}

	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	if res.Status == "" {
		res.Status = domain.ReservationStatusReserved
	}

	r.items[key] = res
	r.order[res.OrderID] = append(r.order[res.OrderID], key)
	return true, nil
}

// Get возвращает резерв пары (orderID, productID).
func (r *reservationRepositoryInMemory) Get(orderID, productID string) (domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.items[reservationKey{orderID: orderID, productID: productID}]
	if !ok {
		return domain.Reservation{}, domain.ErrProductNotFound
	}
	return res, nil
}

// ListByOrder возвращает резервы заказа в порядке вставки.
func (r *reservationRepositoryInMemory) ListByOrder(orderID string) ([]domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.order[orderID]
	result := make([]domain.Reservation, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.items[key])
	}
	return result, nil
}

// MarkReserved помечает резерв подтверждённым после списания стока.
func (r *reservationRepositoryInMemory) MarkReserved(orderID, productID string) error {
	return r.setStatus(orderID, productID, domain.ReservationStatusReserved)
}

// MarkReleased помечает резерв снятым.
func (r *reservationRepositoryInMemory) MarkReleased(orderID, productID string) error {
	return r.setStatus(orderID, productID, domain.ReservationStatusReleased)
}

func (r *reservationRepositoryInMemory) setStatus(orderID, productID string, status domain.ReservationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reservationKey{orderID: orderID, productID: productID}
	res, ok := r.items[key]
	if !ok {
		return domain.ErrProductNotFound
	}
	res.Status = status
	res.UpdatedAt = time.Now().UTC()
	r.items[key] = res
	return nil
}

var _ domain.ReservationRepository = (*reservationRepositoryInMemory)(nil)
