package domain

import (
	"context"
	"time"
)

// EventHandler обрабатывает один конверт из шины. Возвращённая ошибка,
// обёрнутая в Permanent, уводит сообщение в dead-letter без retry;
// любая другая ошибка считается временной и даёт повторную доставку.
type EventHandler func(ctx context.Context, env Envelope) error

// EventBus — минимальный контракт брокера, на который опирается система:
// at-least-once доставка по топикам с независимым потоком на подписку.
// Порядок между агрегатами не гарантируется.
type EventBus interface {
	// Publish отправляет конверт в топик.
	Publish(ctx context.Context, topic string, env Envelope) error
	// Subscribe регистрирует именованную подписку на топик.
	Subscribe(ctx context.Context, topic, subscription string, handler EventHandler) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(customerID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
}

// ProductRepository описывает требования к хранилищу товаров.
type ProductRepository interface {
	Create(product Product) error
	// Get возвращает товар или ErrProductNotFound.
	Get(id string) (Product, error)
	// Save применяет обновления с проверкой версии.
	Save(product Product) error
}

// ReservationRepository хранит резервы (OrderID, ProductID) -> Qty.
type ReservationRepository interface {
	// CreateIfAbsent вставляет резерв, если пары (orderID, productID) ещё нет.
	// Возвращает false без ошибки, если запись уже существует.
	CreateIfAbsent(res Reservation) (bool, error)
	// Get возвращает резерв пары или ErrProductNotFound.
	Get(orderID, productID string) (Reservation, error)
	// ListByOrder возвращает все резервы заказа.
	ListByOrder(orderID string) ([]Reservation, error)
	// MarkReserved помечает резерв подтверждённым после списания стока.
	MarkReserved(orderID, productID string) error
	// MarkReleased помечает резерв снятым.
	MarkReleased(orderID, productID string) error
}

// InboxRepository хранит отметки об обработанных событиях (идемпотентность
// потребителей). Семантика insert-if-absent.
type InboxRepository interface {
	// MarkProcessed вставляет отметку. Возвращает false без ошибки, если
	// событие уже было обработано этим потребителем.
	MarkProcessed(consumer, eventID string, ttlAt time.Time) (bool, error)
	// Seen сообщает, обработано ли событие данным потребителем.
	Seen(consumer, eventID string) (bool, error)
	// DeleteExpired удаляет просроченные отметки, до limit за вызов.
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OrderStore атомарно фиксирует состояние заказа вместе с его событиями.
// Либо записываются и состояние, и события, либо операция считается
// невыполненной и повторяется целиком: переход без события (или событие без
// перехода) для потребителей неотличим от потери данных.
type OrderStore interface {
	// CreateWithEvents сохраняет новый заказ и ставит его события в outbox.
	CreateWithEvents(order Order, msgs []OutboxMessage) error
	// SaveWithEvents применяет обновление с проверкой версии и ставит
	// события в outbox.
	SaveWithEvents(order Order, msgs []OutboxMessage) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(msg OutboxMessage) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}
