package domain

import "time"

// ReservationStatus отражает статус резервирования товара под заказ.
type ReservationStatus string

const (
	// ReservationStatusPending — запись вставлена, сток ещё не списан.
	ReservationStatusPending ReservationStatus = "pending"
	// ReservationStatusReserved — сток списан, товар зарезервирован под заказ.
	ReservationStatusReserved ReservationStatus = "reserved"
	// ReservationStatusReleased — резерв снят (компенсация или отмена).
	ReservationStatusReleased ReservationStatus = "released"
)

// Reservation фиксирует резерв конкретного товара под конкретный заказ.
// Пара (OrderID, ProductID) уникальна, а статус показывает, дошло ли
// списание стока: повторная доставка OrderCreated пропускает reserved-записи
// и досписывает pending. Это первичная защита от двойного резерва;
// inbox-запись — вторичная.
type Reservation struct {
	OrderID   string
	ProductID string
	Qty       int32
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет, корректно ли заполнены ключевые поля резервирования.
func (r *Reservation) Validate() []error {
	var errs []error

	if r.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if r.ProductID == "" {
		errs = append(errs, ErrReservationProductRequired)
	}
	if r.Qty <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}

	return errs
}
