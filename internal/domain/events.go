package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType идентифицирует вариант доменного события в транспортном конверте.
type EventType string

const (
	// События агрегата заказа.
	EventTypeOrderCreated   EventType = "order.created"
	EventTypeOrderConfirmed EventType = "order.confirmed"
	EventTypeOrderShipped   EventType = "order.shipped"
	EventTypeOrderCanceled  EventType = "order.canceled"
	EventTypeOrderCompleted EventType = "order.completed"
	EventTypeOrderFailed    EventType = "order.failed"

	// События агрегата товара (склад).
	EventTypeInventoryReserved          EventType = "inventory.reserved"
	EventTypeInventoryReservationFailed EventType = "inventory.reservation_failed"
	EventTypeInventoryReleased          EventType = "inventory.released"

	// Событие внешнего платёжного сервиса.
	EventTypePaymentProcessed EventType = "payment.processed"
)

// Топики шины событий. Подписки именуются на стороне потребителей.
const (
	TopicOrderEvents     = "orders.events"
	TopicInventoryEvents = "inventory.events"
	TopicPaymentEvents   = "payment.events"
	TopicDeadLetter      = "shoppers.dlq"
)

// TopicFor возвращает топик, в который публикуется событие данного типа.
func TopicFor(eventType EventType) string {
	switch eventType {
	case EventTypeInventoryReserved, EventTypeInventoryReservationFailed, EventTypeInventoryReleased:
		return TopicInventoryEvents
	case EventTypePaymentProcessed:
		return TopicPaymentEvents
	default:
		return TopicOrderEvents
	}
}

// Event — доменное событие. Создаётся агрегатом в момент перехода и после
// этого неизменяемо. События — единственный канал, по которому другие
// сервисы узнают об изменении: общей базы между сервисами нет.
type Event interface {
	// Type возвращает тег варианта события.
	Type() EventType
	// ID возвращает уникальный идентификатор события (стабилен при redelivery).
	ID() string
	// Aggregate возвращает идентификатор агрегата-источника.
	Aggregate() string
	// Occurred возвращает момент возникновения события.
	Occurred() time.Time
}

// EventMeta — общие поля всех событий.
type EventMeta struct {
	EventID     string    `json:"event_id"`
	AggregateID string    `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewEventMeta формирует метаданные нового события.
func NewEventMeta(aggregateID string) EventMeta {
	return EventMeta{
		EventID:     uuid.NewString(),
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
	}
}

// ID возвращает идентификатор события.
func (m EventMeta) ID() string { return m.EventID }

// Aggregate возвращает идентификатор агрегата.
func (m EventMeta) Aggregate() string { return m.AggregateID }

// Occurred возвращает момент возникновения.
func (m EventMeta) Occurred() time.Time { return m.OccurredAt }

// EventLineItem — позиция заказа внутри события OrderCreated. Событие несёт
// полный состав заказа, чтобы складской consumer знал, что резервировать,
// без обратного запроса к сервису заказов.
type EventLineItem struct {
	ProductID  string `json:"product_id"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

// OrderCreated публикуется при создании заказа.
type OrderCreated struct {
	EventMeta
	CustomerID  string          `json:"customer_id"`
	Currency    string          `json:"currency"`
	AmountMinor int64           `json:"amount_minor"`
	ItemCount   int32           `json:"item_count"`
	Items       []EventLineItem `json:"items"`
}

// OrderConfirmed публикуется при подтверждении оплаты заказа.
type OrderConfirmed struct {
	EventMeta
}

// OrderShipped публикуется при передаче заказа в доставку.
type OrderShipped struct {
	EventMeta
	TrackingNumber string `json:"tracking_number"`
}

// OrderCanceled публикуется при отмене заказа.
type OrderCanceled struct {
	EventMeta
}

// OrderCompleted публикуется при успешном завершении цикла заказа.
type OrderCompleted struct {
	EventMeta
}

// OrderFailed публикуется, когда заказ не прошёл резервирование.
type OrderFailed struct {
	EventMeta
	Reason string `json:"reason"`
}

// InventoryReserved публикуется складом после успешного резерва позиции.
// Агрегат события — товар; заказ указан отдельным полем для корреляции.
type InventoryReserved struct {
	EventMeta
	OrderID        string `json:"order_id"`
	Qty            int32  `json:"qty"`
	RemainingStock int32  `json:"remaining_stock"`
}

// InventoryReservationFailed публикуется, когда резерв хотя бы одной позиции
// не удался. Сервис заказов переводит заказ в failed по этому событию.
type InventoryReservationFailed struct {
	EventMeta
	OrderID      string `json:"order_id"`
	RequestedQty int32  `json:"requested_qty"`
}

// InventoryReleased публикуется при снятии резерва (компенсация или отмена).
type InventoryReleased struct {
	EventMeta
	OrderID string `json:"order_id"`
	Qty     int32  `json:"qty"`
}

// PaymentProcessed приходит из внешнего платёжного сервиса.
type PaymentProcessed struct {
	EventMeta
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
}

func (OrderCreated) Type() EventType   { return EventTypeOrderCreated }
func (OrderConfirmed) Type() EventType { return EventTypeOrderConfirmed }
func (OrderShipped) Type() EventType   { return EventTypeOrderShipped }
func (OrderCanceled) Type() EventType  { return EventTypeOrderCanceled }
func (OrderCompleted) Type() EventType { return EventTypeOrderCompleted }
func (OrderFailed) Type() EventType    { return EventTypeOrderFailed }

func (InventoryReserved) Type() EventType          { return EventTypeInventoryReserved }
func (InventoryReservationFailed) Type() EventType { return EventTypeInventoryReservationFailed }
func (InventoryReleased) Type() EventType          { return EventTypeInventoryReleased }

func (PaymentProcessed) Type() EventType { return EventTypePaymentProcessed }

// Envelope — транспортная обёртка события для шины. message_id совпадает с
// event_id, поэтому повторная доставка различима на стороне потребителя;
// aggregate_id используется как correlation id и ключ партиционирования.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	EventType   EventType       `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Wrap упаковывает доменное событие в конверт для публикации.
func Wrap(event Event) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event %s: %w", event.Type(), err)
	}
	return Envelope{
		MessageID:   event.ID(),
		EventType:   event.Type(),
		AggregateID: event.Aggregate(),
		OccurredAt:  event.Occurred(),
		Payload:     payload,
	}, nil
}

// Decode восстанавливает типизированное событие из конверта.
func (e Envelope) Decode() (Event, error) {
	var (
		event Event
		err   error
	)

	switch e.EventType {
	case EventTypeOrderCreated:
		event, err = decodeAs[OrderCreated](e.Payload)
	case EventTypeOrderConfirmed:
		event, err = decodeAs[OrderConfirmed](e.Payload)
	case EventTypeOrderShipped:
		event, err = decodeAs[OrderShipped](e.Payload)
	case EventTypeOrderCanceled:
		event, err = decodeAs[OrderCanceled](e.Payload)
	case EventTypeOrderCompleted:
		event, err = decodeAs[OrderCompleted](e.Payload)
	case EventTypeOrderFailed:
		event, err = decodeAs[OrderFailed](e.Payload)
	case EventTypeInventoryReserved:
		event, err = decodeAs[InventoryReserved](e.Payload)
	case EventTypeInventoryReservationFailed:
		event, err = decodeAs[InventoryReservationFailed](e.Payload)
	case EventTypeInventoryReleased:
		event, err = decodeAs[InventoryReleased](e.Payload)
	case EventTypePaymentProcessed:
		event, err = decodeAs[PaymentProcessed](e.Payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return event, nil
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var event T
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return event, nil
}
