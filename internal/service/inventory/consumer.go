package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/metrics"
)

// ConsumerName идентифицирует потребителя в inbox-записях.
const ConsumerName = "inventory-service"

const (
	defaultInboxRetention = 96 * time.Hour

	conflictMaxRetries = 3
	conflictBaseDelay  = 10 * time.Millisecond
)

// Consumer резервирует товары по событию OrderCreated. Сток и заказ живут в
// разных сервисах, общей транзакции нет: при провале резерва одной позиции
// уже сделанные резервы того же заказа снимаются (компенсация), после чего
// публикуется InventoryReservationFailed.
type Consumer struct {
	products     domain.ProductRepository
	reservations domain.ReservationRepository
	inbox        domain.InboxRepository
	outbox       domain.OutboxRepository
	retention    time.Duration
	logger       *log.Entry
	metrics      *metrics.FulfillmentMetrics
}

// Options задаёт параметры потребителя.
type Options struct {
	Logger    *log.Entry
	Retention time.Duration
	Metrics   *metrics.FulfillmentMetrics
}

// Option настраивает Consumer.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithRetention задаёт срок хранения inbox-отметок.
func WithRetention(retention time.Duration) Option {
	return func(opts *Options) {
		opts.Retention = retention
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// NewConsumer создаёт потребителя складских резервов.
func NewConsumer(
	products domain.ProductRepository,
	reservations domain.ReservationRepository,
	inbox domain.InboxRepository,
	outbox domain.OutboxRepository,
	options ...Option,
) *Consumer {
	opts := Options{
		Retention: defaultInboxRetention,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "inventory-consumer")
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultInboxRetention
	}

	return &Consumer{
		products:     products,
		reservations: reservations,
		inbox:        inbox,
		outbox:       outbox,
		retention:    opts.Retention,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

// HandleOrderCreated обрабатывает OrderCreated. Вызов идемпотентен: повторная
// доставка распознаётся по inbox-отметке, а частично обработанный заказ — по
// статусам записей резервов (пара заказ/товар, pending либо reserved).
func (c *Consumer) HandleOrderCreated(event domain.OrderCreated) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordConsumeDuration(ConsumerName, time.Since(start))
		}
	}()

	seen, err := c.inbox.Seen(ConsumerName, event.EventID)
	if err != nil {
		return fmt.Errorf("inbox lookup: %w", err)
	}
	if seen {
		c.logger.WithFields(log.Fields{
			"order_id": event.AggregateID,
			"event_id": event.EventID,
		}).Debug("event already processed, skipping")
		if c.metrics != nil {
			c.metrics.RecordEventConsumed(ConsumerName, metrics.ConsumeResultDuplicate)
		}
		return nil
	}

	for _, item := range event.Items {
		if err := c.reserveLine(event.AggregateID, item); err != nil {
			if isReservationRejected(err) {
				c.logger.WithError(err).WithFields(log.Fields{
					"order_id":   event.AggregateID,
					"product_id": item.ProductID,
					"qty":        item.Qty,
				}).Warn("reservation rejected, compensating")
				// Запись отклонённой позиции осталась в pending (сток не
				// списан), компенсация снимет её без возврата на склад.
				c.compensate(event.AggregateID)
				c.emitReservationFailed(event.AggregateID, item)
				c.markProcessed(event.EventID)
				if c.metrics != nil {
					c.metrics.RecordEventConsumed(ConsumerName, metrics.ConsumeResultFailed)
				}
				// Отказ склада — доменный исход, а не сбой обработки:
				// сообщение подтверждается, retry не нужен.
				return nil
			}
			return err
		}
	}

	c.markProcessed(event.EventID)
	if c.metrics != nil {
		c.metrics.RecordEventConsumed(ConsumerName, metrics.ConsumeResultOK)
	}

	c.logger.WithFields(log.Fields{
		"order_id": event.AggregateID,
		"items":    len(event.Items),
	}).Info("inventory reserved for order")
	return nil
}

// reserveLine резервирует одну позицию в два шага: запись вставляется в
// статусе pending, после списания стока переводится в reserved. Прерванная
// попытка оставляет запись в pending, и повторная доставка досписывает сток
// вместо того, чтобы посчитать позицию обработанной.
func (c *Consumer) reserveLine(orderID string, item domain.EventLineItem) error {
	created, err := c.reservations.CreateIfAbsent(domain.Reservation{
		OrderID:   orderID,
		ProductID: item.ProductID,
		Qty:       item.Qty,
		Status:    domain.ReservationStatusPending,
	})
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	if !created {
		existing, err := c.reservations.Get(orderID, item.ProductID)
		if err != nil {
			return fmt.Errorf("load reservation: %w", err)
		}
		switch existing.Status {
		case domain.ReservationStatusReserved:
			c.logger.WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": item.ProductID,
			}).Debug("reservation already taken, skipping line")
			return nil
		case domain.ReservationStatusReleased:
			c.logger.WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": item.ProductID,
			}).Debug("reservation already released, skipping line")
			return nil
		}
		// pending: предыдущая попытка прервалась до списания.
	}

	if err := c.withProduct(item.ProductID, func(p *domain.Product) error {
		return p.Reserve(orderID, item.Qty)
	}); err != nil {
		return err
	}

	if err := c.reservations.MarkReserved(orderID, item.ProductID); err != nil {
		return fmt.Errorf("mark reservation reserved: %w", err)
	}
	return nil
}

// compensate снимает все ещё действующие резервы заказа. Список берётся из
// хранилища, а не из текущей доставки: частичный резерв от предыдущей
// попытки тоже должен быть снят.
func (c *Consumer) compensate(orderID string) {
	if c.metrics != nil {
		c.metrics.RecordCompensation()
	}

	reservations, err := c.reservations.ListByOrder(orderID)
	if err != nil {
		c.logger.WithError(err).WithField("order_id", orderID).Error("list reservations for compensation failed")
		return
	}

	for i := len(reservations) - 1; i >= 0; i-- {
		res := reservations[i]
		switch res.Status {
		case domain.ReservationStatusReleased:
			continue
		case domain.ReservationStatusPending:
			// Сток по pending-позиции не списывался, возвращать нечего.
			if err := c.reservations.MarkReleased(orderID, res.ProductID); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"order_id":   orderID,
					"product_id": res.ProductID,
				}).Warn("mark pending reservation released failed")
			}
			continue
		}

		err := c.withProduct(res.ProductID, func(p *domain.Product) error {
			return p.Release(orderID, res.Qty)
		})
		if err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": res.ProductID,
			}).Error("release reservation failed")
			continue
		}
		if err := c.reservations.MarkReleased(orderID, res.ProductID); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": res.ProductID,
			}).Warn("mark reservation released failed")
		}
	}
}

// withProduct выполняет операцию на свежей копии товара и сохраняет её,
// повторяя при конфликте версий.
func (c *Consumer) withProduct(productID string, op func(*domain.Product) error) error {
	for attempt := 0; attempt < conflictMaxRetries; attempt++ {
		product, err := c.products.Get(productID)
		if err != nil {
			return err
		}

		if err := op(&product); err != nil {
			return err
		}

		if err := c.products.Save(product); err != nil {
			if domain.IsVersionConflict(err) && attempt < conflictMaxRetries-1 {
				time.Sleep(conflictBaseDelay * time.Duration(1<<uint(attempt)))
				continue
			}
			return err
		}

		product.Version++
		c.flushEvents(product.PullEvents())
		return nil
	}
	return domain.ErrVersionConflict
}

// emitReservationFailed ставит InventoryReservationFailed в outbox.
func (c *Consumer) emitReservationFailed(orderID string, item domain.EventLineItem) {
	event := domain.InventoryReservationFailed{
		EventMeta:    domain.NewEventMeta(item.ProductID),
		OrderID:      orderID,
		RequestedQty: item.Qty,
	}
	c.enqueue(event)
}

func (c *Consumer) flushEvents(events []domain.Event) {
	for _, event := range events {
		c.enqueue(event)
	}
}

func (c *Consumer) enqueue(event domain.Event) {
	env, err := domain.Wrap(event)
	if err != nil {
		c.logger.WithError(err).WithField("event", event.Type()).Error("marshal event failed")
		return
	}
	payload, _ := json.Marshal(env)

	msg := domain.OutboxMessage{
		AggregateType: "product",
		AggregateID:   event.Aggregate(),
		EventType:     string(event.Type()),
		Topic:         domain.TopicFor(event.Type()),
		Payload:       payload,
	}
	if _, err := c.outbox.Enqueue(msg); err != nil {
		c.logger.WithError(err).WithField("event", event.Type()).Error("enqueue event failed")
	}
}

// markProcessed ставит inbox-отметку до подтверждения сообщения. Если процесс
// упадёт между обработкой и отметкой, повторную доставку погасит идемпотентность
// резервов по паре (заказ, товар).
func (c *Consumer) markProcessed(eventID string) {
	_, err := c.inbox.MarkProcessed(ConsumerName, eventID, time.Now().UTC().Add(c.retention))
	if err != nil {
		c.logger.WithError(err).WithField("event_id", eventID).Warn("mark event processed failed")
	}
}

func isReservationRejected(err error) bool {
	return errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrProductNotFound) ||
		errors.Is(err, domain.ErrProductInactive)
}
