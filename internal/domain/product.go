package domain

import "time"

// Product — агрегат товара (склад). Остаток меняется только через
// Reserve/Release; прямое присваивание полям извне запрещено соглашением.
type Product struct {
	ID        string
	Name      string
	StockQty  int32
	Active    bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time

	pending []Event
}

// Reserve уменьшает остаток под заказ. Остаток никогда не уходит в минус:
// при нехватке возвращается ErrInsufficientStock, состояние не меняется.
func (p *Product) Reserve(orderID string, qty int32) error {
	if orderID == "" {
		return ErrOrderIDRequired
	}
	if qty <= 0 {
		return ErrReservationQtyInvalid
	}
	if !p.Active {
		return ErrProductInactive
	}
	if p.StockQty < qty {
		return ErrInsufficientStock
	}

	p.StockQty -= qty
	p.UpdatedAt = time.Now().UTC()
	p.record(InventoryReserved{
		EventMeta:      NewEventMeta(p.ID),
		OrderID:        orderID,
		Qty:            qty,
		RemainingStock: p.StockQty,
	})
	return nil
}

// Release возвращает остаток после снятия резерва (компенсация или отмена).
func (p *Product) Release(orderID string, qty int32) error {
	if orderID == "" {
		return ErrOrderIDRequired
	}
	if qty <= 0 {
		return ErrReservationQtyInvalid
	}

	p.StockQty += qty
	p.UpdatedAt = time.Now().UTC()
	p.record(InventoryReleased{
		EventMeta: NewEventMeta(p.ID),
		OrderID:   orderID,
		Qty:       qty,
	})
	return nil
}

// PullEvents возвращает накопленные события и очищает очередь.
func (p *Product) PullEvents() []Event {
	events := p.pending
	p.pending = nil
	return events
}

// ValidateInvariants проверяет базовые инварианты товара.
func (p *Product) ValidateInvariants() []error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, ErrReservationProductRequired)
	}
	if p.StockQty < 0 {
		errs = append(errs, ErrStockNegative)
	}

	return errs
}

func (p *Product) record(event Event) {
	p.pending = append(p.pending, event)
}
