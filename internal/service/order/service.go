package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/metrics"
)

const (
	// Параметры retry при конфликте версий. Конфликт безопасно повторять:
	// команда перечитывает свежую версию агрегата и выполняется заново.
	conflictMaxRetries = 3
	conflictBaseDelay  = 10 * time.Millisecond
)

// Service — command-сервис заказов. Единственный владелец агрегата Order:
// все мутации проходят через него. Состояние заказа и его события фиксируются
// одной операцией OrderStore, публикацией занимается outbox worker.
type Service struct {
	orders   domain.OrderRepository
	store    domain.OrderStore
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.FulfillmentMetrics
}

// Option настраивает Service.
type Option func(*Service)

// WithStore задаёт атомарное хранилище заказа и его событий. Драйверы с
// внешней базой обязаны подставить реализацию, выполняющую обе записи в
// одной транзакции.
func WithStore(store domain.OrderStore) Option {
	return func(s *Service) {
		s.store = store
	}
}

// NewService создаёт command-сервис заказов. Без WithStore заказ и события
// пишутся последовательно в переданные репозитории; это годится только для
// однопроцессных хранилищ, где оба живут в одной памяти.
func NewService(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
	options ...Option,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	svc := &Service{
		orders:   orders,
		timeline: timeline,
		logger:   logger,
		metrics:  metrics.NewFulfillmentMetrics(),
	}
	for _, option := range options {
		option(svc)
	}
	if svc.store == nil {
		svc.store = repoPairStore{orders: orders, outbox: outbox}
	}
	return svc
}

// NewServiceWithoutMetrics создаёт сервис без метрик (для тестов).
func NewServiceWithoutMetrics(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
	options ...Option,
) *Service {
	svc := NewService(orders, outbox, timeline, logger, options...)
	svc.metrics = nil
	return svc
}

// Create создаёт заказ в статусе pending и ставит OrderCreated в outbox.
func (s *Service) Create(customerID, currency string, items []domain.OrderLineItem) (domain.Order, error) {
	order, err := domain.NewOrder(customerID, currency, items)
	if err != nil {
		return domain.Order{}, err
	}

	events := order.PullEvents()
	msgs, err := buildMessages(events)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.store.CreateWithEvents(*order, msgs); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	s.afterCommit(order.ID, events)
	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}

	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"customer_id":  order.CustomerID,
		"amount_minor": order.AmountMinor,
		"items":        len(order.Items),
	}).Info("order created")

	return *order, nil
}

// Confirm переводит заказ pending → confirmed.
func (s *Service) Confirm(orderID string) (domain.Order, error) {
	return s.mutate(orderID, func(o *domain.Order) error {
		return o.Confirm()
	})
}

// Ship переводит заказ confirmed → shipped.
func (s *Service) Ship(orderID, trackingNumber string) (domain.Order, error) {
	return s.mutate(orderID, func(o *domain.Order) error {
		return o.Ship(trackingNumber)
	})
}

// Cancel отменяет заказ до отгрузки.
func (s *Service) Cancel(orderID string) (domain.Order, error) {
	return s.mutate(orderID, func(o *domain.Order) error {
		return o.Cancel()
	})
}

// Complete завершает отгруженный заказ.
func (s *Service) Complete(orderID string) (domain.Order, error) {
	return s.mutate(orderID, func(o *domain.Order) error {
		return o.Complete()
	})
}

// Get возвращает текущее представление заказа.
func (s *Service) Get(orderID string) (domain.Order, error) {
	return s.orders.Get(orderID)
}

// ListByCustomer возвращает заказы клиента.
func (s *Service) ListByCustomer(customerID string, limit int) ([]domain.Order, error) {
	return s.orders.ListByCustomer(customerID, limit)
}

// Timeline возвращает историю жизненного цикла заказа.
func (s *Service) Timeline(orderID string) ([]domain.TimelineEvent, error) {
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(orderID)
}

// ConfirmFromPayment вызывается потребителем платёжных событий.
// Повторная доставка после подтверждения — no-op; платёж по заказу в
// конечном статусе — аномалия, которая уводит сообщение в dead-letter.
func (s *Service) ConfirmFromPayment(orderID string, amountMinor int64) error {
	order, err := s.orders.Get(orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			// Платёж по несуществующему заказу не гасим молча: это сигнал
			// о рассинхронизации, требующий ручного разбора.
			return domain.Permanent(fmt.Errorf("payment for unknown order %s: %w", orderID, err))
		}
		return err
	}

	switch order.Status {
	case domain.OrderStatusConfirmed, domain.OrderStatusShipped:
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"status":   order.Status,
		}).Debug("payment redelivered for already confirmed order, skipping")
		return nil
	case domain.OrderStatusCanceled, domain.OrderStatusFailed, domain.OrderStatusCompleted:
		return domain.Permanent(fmt.Errorf(
			"payment of %d processed for order %s in terminal status %s",
			amountMinor, orderID, order.Status,
		))
	}

	if _, err := s.Confirm(orderID); err != nil {
		return err
	}
	return nil
}

// FailFromReservation вызывается по событию InventoryReservationFailed
// и переводит pending-заказ в failed. Для заказов в любом другом статусе
// событие считается устаревшим и пропускается.
func (s *Service) FailFromReservation(orderID, reason string) error {
	order, err := s.orders.Get(orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.WithField("order_id", orderID).Warn("reservation failure for unknown order, skipping")
			return nil
		}
		return err
	}

	if order.Status != domain.OrderStatusPending {
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"status":   order.Status,
		}).Debug("reservation failure for non-pending order, skipping")
		return nil
	}

	_, err = s.mutate(orderID, func(o *domain.Order) error {
		return o.Fail(reason)
	})
	return err
}

// RecordInventoryReserved добавляет отметку о резерве в timeline заказа.
func (s *Service) RecordInventoryReserved(orderID, productID string, qty int32) {
	s.appendTimeline(orderID, "InventoryReserved", fmt.Sprintf("product %s qty %d", productID, qty))
}

// mutate выполняет переход на свежей копии заказа и фиксирует результат
// вместе с событиями перехода. При конфликте версий перечитывает заказ и
// повторяет с exponential backoff.
func (s *Service) mutate(orderID string, op func(*domain.Order) error) (domain.Order, error) {
	for attempt := 0; attempt < conflictMaxRetries; attempt++ {
		order, err := s.orders.Get(orderID)
		if err != nil {
			return domain.Order{}, err
		}

		if err := op(&order); err != nil {
			return order, err
		}

		events := order.PullEvents()
		msgs, err := buildMessages(events)
		if err != nil {
			return domain.Order{}, err
		}

		if err := s.store.SaveWithEvents(order, msgs); err != nil {
			if domain.IsVersionConflict(err) && attempt < conflictMaxRetries-1 {
				if s.metrics != nil {
					s.metrics.RecordCommandConflict()
				}
				s.logger.WithFields(log.Fields{
					"order_id": orderID,
					"attempt":  attempt + 1,
					"version":  order.Version,
				}).Warn("version conflict detected, retrying")
				time.Sleep(conflictBaseDelay * time.Duration(1<<uint(attempt)))
				continue
			}
			return domain.Order{}, err
		}

		order.Version++
		s.afterCommit(order.ID, events)
		if s.metrics != nil {
			s.metrics.RecordStatusTransition(string(order.Status))
		}
		return order, nil
	}

	if s.metrics != nil {
		s.metrics.RecordCommandConflict()
	}
	return domain.Order{}, domain.ErrVersionConflict
}

// buildMessages превращает события агрегата в outbox-сообщения.
func buildMessages(events []domain.Event) ([]domain.OutboxMessage, error) {
	msgs := make([]domain.OutboxMessage, 0, len(events))
	for _, event := range events {
		env, err := domain.Wrap(event)
		if err != nil {
			return nil, fmt.Errorf("wrap event %s: %w", event.Type(), err)
		}
		msgs = append(msgs, domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   event.Aggregate(),
			EventType:     string(event.Type()),
			Topic:         domain.TopicFor(event.Type()),
			Payload:       mustJSON(env),
		})
	}
	return msgs, nil
}

// afterCommit отмечает зафиксированные события в timeline и метриках.
func (s *Service) afterCommit(orderID string, events []domain.Event) {
	for _, event := range events {
		if s.metrics != nil {
			s.metrics.RecordOutboxEvent()
		}
		s.appendTimeline(orderID, string(event.Type()), reasonOf(event))
	}
}

func (s *Service) appendTimeline(orderID, eventType, reason string) {
	if s.timeline == nil {
		return
	}
	err := s.timeline.Append(domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: time.Now().UTC(),
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
	} else if s.metrics != nil {
		s.metrics.RecordTimelineEvent()
	}
}

// mustJSON сериализует конверт; после успешного Wrap ошибка невозможна.
func mustJSON(env domain.Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}

func reasonOf(event domain.Event) string {
	if failed, ok := event.(domain.OrderFailed); ok {
		return failed.Reason
	}
	return ""
}

// repoPairStore пишет заказ и события последовательно в два репозитория.
// Для in-memory хранилищ этого достаточно: оба живут в одном процессе, и
// ошибка постановки события возвращает команду как невыполненную.
type repoPairStore struct {
	orders domain.OrderRepository
	outbox domain.OutboxRepository
}

func (s repoPairStore) CreateWithEvents(order domain.Order, msgs []domain.OutboxMessage) error {
	if err := s.orders.Create(order); err != nil {
		return err
	}
	return s.enqueueAll(msgs)
}

func (s repoPairStore) SaveWithEvents(order domain.Order, msgs []domain.OutboxMessage) error {
	if err := s.orders.Save(order); err != nil {
		return err
	}
	return s.enqueueAll(msgs)
}

func (s repoPairStore) enqueueAll(msgs []domain.OutboxMessage) error {
	for _, msg := range msgs {
		if _, err := s.outbox.Enqueue(msg); err != nil {
			return fmt.Errorf("enqueue %s event: %w", msg.EventType, err)
		}
	}
	return nil
}

var _ domain.OrderStore = repoPairStore{}
