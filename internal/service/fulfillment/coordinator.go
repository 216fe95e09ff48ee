package fulfillment

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/metrics"
	"github.com/avinashpj22/shoppersApp/internal/service/inventory"
	"github.com/avinashpj22/shoppersApp/internal/service/order"
)

// Имена подписок. Подписка = consumer group: у каждого сервиса своя, чтобы
// каждый получал полную копию потока.
const (
	SubscriptionInventoryOrders = "inventory-service-orders"
	SubscriptionOrderPayments   = "order-service-payments"
	SubscriptionOrderInventory  = "order-service-inventory"

	orderConsumerName = "order-service"
)

// Coordinator связывает шину событий с потребителями: события заказов идут
// на склад, события склада и платежей возвращаются в сервис заказов.
type Coordinator struct {
	bus       domain.EventBus
	orders    *order.Service
	inventory *inventory.Consumer
	inbox     domain.InboxRepository
	retention time.Duration
	logger    *log.Entry
	metrics   *metrics.FulfillmentMetrics
}

// NewCoordinator создаёт координатора.
func NewCoordinator(
	bus domain.EventBus,
	orders *order.Service,
	inventoryConsumer *inventory.Consumer,
	inbox domain.InboxRepository,
	retention time.Duration,
	logger *log.Entry,
	m *metrics.FulfillmentMetrics,
) *Coordinator {
	if logger == nil {
		logger = log.WithField("component", "fulfillment-coordinator")
	}
	return &Coordinator{
		bus:       bus,
		orders:    orders,
		inventory: inventoryConsumer,
		inbox:     inbox,
		retention: retention,
		logger:    logger,
		metrics:   m,
	}
}

// Run подписывает всех потребителей и блокируется до отмены контекста.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, domain.TopicOrderEvents, SubscriptionInventoryOrders, c.handleOrderEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicOrderEvents, err)
	}
	if err := c.bus.Subscribe(ctx, domain.TopicPaymentEvents, SubscriptionOrderPayments, c.handlePaymentEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicPaymentEvents, err)
	}
	if err := c.bus.Subscribe(ctx, domain.TopicInventoryEvents, SubscriptionOrderInventory, c.handleInventoryEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicInventoryEvents, err)
	}

	c.logger.Info("fulfillment coordinator started")
	<-ctx.Done()
	return ctx.Err()
}

// handleOrderEvent направляет события заказов складскому потребителю.
// Интересен только OrderCreated, остальные типы подтверждаются молча.
func (c *Coordinator) handleOrderEvent(ctx context.Context, env domain.Envelope) error {
	event, err := env.Decode()
	if err != nil {
		// Нераспознанный payload не станет валидным от повторов.
		return domain.Permanent(err)
	}

	created, ok := event.(domain.OrderCreated)
	if !ok {
		return nil
	}
	return c.inventory.HandleOrderCreated(created)
}

// handlePaymentEvent подтверждает заказ по событию платёжного сервиса.
func (c *Coordinator) handlePaymentEvent(ctx context.Context, env domain.Envelope) error {
	event, err := env.Decode()
	if err != nil {
		return domain.Permanent(err)
	}

	payment, ok := event.(domain.PaymentProcessed)
	if !ok {
		return nil
	}

	return c.withInbox(env.MessageID, func() error {
		return c.orders.ConfirmFromPayment(payment.OrderID, payment.AmountMinor)
	})
}

// handleInventoryEvent реагирует на исход резервирования: провал переводит
// заказ в failed, успех пишется в хронику заказа.
func (c *Coordinator) handleInventoryEvent(ctx context.Context, env domain.Envelope) error {
	event, err := env.Decode()
	if err != nil {
		return domain.Permanent(err)
	}

	switch ev := event.(type) {
	case domain.InventoryReservationFailed:
		return c.withInbox(env.MessageID, func() error {
			return c.orders.FailFromReservation(ev.OrderID, "inventory reservation failed")
		})
	case domain.InventoryReserved:
		return c.withInbox(env.MessageID, func() error {
			c.orders.RecordInventoryReserved(ev.OrderID, ev.Aggregate(), ev.Qty)
			return nil
		})
	default:
		return nil
	}
}

// withInbox пропускает обработчик через inbox-дедупликацию. Отметка ставится
// после успешной обработки: при сбое между ними повтор упирается в
// идемпотентность самих операций сервиса заказов.
func (c *Coordinator) withInbox(eventID string, handle func() error) error {
	seen, err := c.inbox.Seen(orderConsumerName, eventID)
	if err != nil {
		return fmt.Errorf("inbox lookup: %w", err)
	}
	if seen {
		if c.metrics != nil {
			c.metrics.RecordEventConsumed(orderConsumerName, metrics.ConsumeResultDuplicate)
		}
		return nil
	}

	if err := handle(); err != nil {
		if c.metrics != nil {
			c.metrics.RecordEventConsumed(orderConsumerName, metrics.ConsumeResultFailed)
		}
		return err
	}

	if _, err := c.inbox.MarkProcessed(orderConsumerName, eventID, time.Now().UTC().Add(c.retention)); err != nil {
		c.logger.WithError(err).WithField("event_id", eventID).Warn("mark event processed failed")
	}
	if c.metrics != nil {
		c.metrics.RecordEventConsumed(orderConsumerName, metrics.ConsumeResultOK)
	}
	return nil
}
