package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, резервирование и оплата ещё не выполнены.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — оплата подтверждена, заказ готовится к отгрузке.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCompleted — заказ доставлен, цикл завершён успешно.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCanceled — заказ отменён до отгрузки.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusFailed — заказ не прошёл резервирование на складе.
	OrderStatusFailed OrderStatus = "failed"
)

// Terminal сообщает, является ли статус конечным.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// OrderLineItem — неизменяемая позиция заказа. Копируется в заказ при создании
// и после этого не мутируется.
type OrderLineItem struct {
	// ProductID — идентификатор товара в каталоге.
	ProductID string
	// Qty — количество единиц товара.
	Qty int32
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
}

// Subtotal возвращает стоимость позиции: qty * price.
func (i OrderLineItem) Subtotal() int64 {
	return int64(i.Qty) * i.PriceMinor
}

// Order — агрегат заказа. Состояние меняется только через методы перехода;
// каждый переход ставит доменное событие в очередь pending. Методы не делают
// I/O: сохранение и публикация — обязанность вызывающего command-сервиса.
type Order struct {
	ID             string
	CustomerID     string
	Currency       string
	Status         OrderStatus
	AmountMinor    int64
	Items          []OrderLineItem
	TrackingNumber string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// CompletedAt заполняется только при успешном завершении цикла.
	CompletedAt *time.Time

	pending []Event
}

// NewOrder создаёт заказ в статусе pending и ставит в очередь событие OrderCreated.
// Сумма заказа вычисляется один раз здесь и дальше не пересчитывается.
func NewOrder(customerID, currency string, items []OrderLineItem) (*Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, ErrCustomerRequired
	}
	if strings.TrimSpace(currency) == "" {
		return nil, ErrCurrencyRequired
	}
	if len(items) == 0 {
		return nil, ErrItemsRequired
	}

	copied := make([]OrderLineItem, len(items))
	var total int64
	for idx, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, fmt.Errorf("item[%d]: %w", idx, ErrItemProductRequired)
		}
		if item.Qty <= 0 {
			return nil, fmt.Errorf("item[%d]: %w", idx, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			return nil, fmt.Errorf("item[%d]: %w", idx, ErrItemPriceInvalid)
		}
		copied[idx] = item
		total += item.Subtotal()
	}

	now := time.Now().UTC()
	order := &Order{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		Currency:    currency,
		Status:      OrderStatusPending,
		AmountMinor: total,
		Items:       copied,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	eventItems := make([]EventLineItem, len(copied))
	for idx, item := range copied {
		eventItems[idx] = EventLineItem{
			ProductID:  item.ProductID,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		}
	}
	order.record(OrderCreated{
		EventMeta:   NewEventMeta(order.ID),
		CustomerID:  customerID,
		Currency:    currency,
		AmountMinor: total,
		ItemCount:   int32(len(copied)),
		Items:       eventItems,
	})

	return order, nil
}

// Confirm переводит заказ pending → confirmed.
func (o *Order) Confirm() error {
	if o.Status != OrderStatusPending {
		return o.illegalTransition(OrderStatusConfirmed)
	}
	o.setStatus(OrderStatusConfirmed)
	o.record(OrderConfirmed{EventMeta: NewEventMeta(o.ID)})
	return nil
}

// Ship переводит заказ confirmed → shipped и фиксирует трек-номер.
func (o *Order) Ship(trackingNumber string) error {
	if strings.TrimSpace(trackingNumber) == "" {
		return ErrTrackingNumberRequired
	}
	if o.Status != OrderStatusConfirmed {
		return o.illegalTransition(OrderStatusShipped)
	}
	o.TrackingNumber = trackingNumber
	o.setStatus(OrderStatusShipped)
	o.record(OrderShipped{EventMeta: NewEventMeta(o.ID), TrackingNumber: trackingNumber})
	return nil
}

// Cancel отменяет заказ. Допустимо только до отгрузки: pending или confirmed.
func (o *Order) Cancel() error {
	if o.Status != OrderStatusPending && o.Status != OrderStatusConfirmed {
		return o.illegalTransition(OrderStatusCanceled)
	}
	o.setStatus(OrderStatusCanceled)
	o.record(OrderCanceled{EventMeta: NewEventMeta(o.ID)})
	return nil
}

// Complete завершает заказ shipped → completed и фиксирует момент завершения.
func (o *Order) Complete() error {
	if o.Status != OrderStatusShipped {
		return o.illegalTransition(OrderStatusCompleted)
	}
	o.setStatus(OrderStatusCompleted)
	completed := o.UpdatedAt
	o.CompletedAt = &completed
	o.record(OrderCompleted{EventMeta: NewEventMeta(o.ID)})
	return nil
}

// Fail переводит заказ pending → failed после неудачного резервирования.
func (o *Order) Fail(reason string) error {
	if o.Status != OrderStatusPending {
		return o.illegalTransition(OrderStatusFailed)
	}
	o.setStatus(OrderStatusFailed)
	o.record(OrderFailed{EventMeta: NewEventMeta(o.ID), Reason: reason})
	return nil
}

// PullEvents возвращает накопленные события и очищает очередь.
// Вызывается command-сервисом после успешного сохранения агрегата.
func (o *Order) PullEvents() []Event {
	events := o.pending
	o.pending = nil
	return events
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем сумму заказа с суммой позиций: qty * price.
	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.Subtotal()
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Replay восстанавливает заказ из последовательности его событий.
// Последовательность должна начинаться с OrderCreated.
func Replay(events []Event) (*Order, error) {
	if len(events) == 0 {
		return nil, ErrEventStreamEmpty
	}

	created, ok := events[0].(OrderCreated)
	if !ok {
		return nil, fmt.Errorf("%w: first event is %s", ErrEventStreamInvalid, events[0].Type())
	}

	items := make([]OrderLineItem, len(created.Items))
	for idx, item := range created.Items {
		items[idx] = OrderLineItem{
			ProductID:  item.ProductID,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		}
	}
	order := &Order{
		ID:          created.AggregateID,
		CustomerID:  created.CustomerID,
		Currency:    created.Currency,
		Status:      OrderStatusPending,
		AmountMinor: created.AmountMinor,
		Items:       items,
		CreatedAt:   created.OccurredAt,
		UpdatedAt:   created.OccurredAt,
	}

	for _, event := range events[1:] {
		if err := order.apply(event); err != nil {
			return nil, err
		}
	}
	// Восстановленное состояние не должно заново публиковать события.
	order.pending = nil
	return order, nil
}

// apply применяет одно событие при восстановлении. Переходы идут через те же
// методы, что и при обычной работе, поэтому нелегальная последовательность
// событий отклоняется.
func (o *Order) apply(event Event) error {
	switch e := event.(type) {
	case OrderConfirmed:
		return o.Confirm()
	case OrderShipped:
		return o.Ship(e.TrackingNumber)
	case OrderCanceled:
		return o.Cancel()
	case OrderCompleted:
		return o.Complete()
	case OrderFailed:
		return o.Fail(e.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrEventStreamInvalid, event.Type())
	}
}

func (o *Order) setStatus(status OrderStatus) {
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) record(event Event) {
	o.pending = append(o.pending, event)
}

func (o *Order) illegalTransition(to OrderStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
}
