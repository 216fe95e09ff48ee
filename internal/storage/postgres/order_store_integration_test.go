package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

func makeStoredOrder(id string) domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Order{
		ID:          id,
		CustomerID:  "customer-1",
		Currency:    "USD",
		Status:      domain.OrderStatusPending,
		AmountMinor: 3000,
		Items: []domain.OrderLineItem{
			{ProductID: "prod-1", Qty: 2, PriceMinor: 1500},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func makeOrderEventMessage(orderID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     eventType,
		Topic:         domain.TopicOrderEvents,
		Payload:       []byte(`{}`),
	}
}

func TestOrderStore_PostgresCreateWithEvents(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orderStore := NewOrderStore(store)
	orders := NewOrderRepository(store)
	outbox := NewOutboxRepository(store)

	order := makeStoredOrder("order-store-1")
	msg := makeOrderEventMessage(order.ID, string(domain.EventTypeOrderCreated))

	err := orderStore.CreateWithEvents(order, []domain.OutboxMessage{msg})
	require.NoError(t, err)

	stored, err := orders.Get(order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stored.Status)
	require.Len(t, stored.Items, 1)

	pending, err := outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, string(domain.EventTypeOrderCreated), pending[0].EventType)
	require.Equal(t, order.ID, pending[0].AggregateID)

	// Повторная вставка того же заказа отклоняется целиком.
	err = orderStore.CreateWithEvents(order, []domain.OutboxMessage{msg})
	require.True(t, domain.IsVersionConflict(err))
}

func TestOrderStore_PostgresSaveWithEvents(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orderStore := NewOrderStore(store)
	orders := NewOrderRepository(store)
	outbox := NewOutboxRepository(store)

	order := makeStoredOrder("order-store-2")
	require.NoError(t, orderStore.CreateWithEvents(order, nil))

	order.Status = domain.OrderStatusConfirmed
	order.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	msg := makeOrderEventMessage(order.ID, string(domain.EventTypeOrderConfirmed))

	err := orderStore.SaveWithEvents(order, []domain.OutboxMessage{msg})
	require.NoError(t, err)

	stored, err := orders.Get(order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, stored.Status)
	require.Equal(t, int64(1), stored.Version)

	pending, err := outbox.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, string(domain.EventTypeOrderConfirmed), pending[0].EventType)
}

func TestOrderStore_PostgresSaveWithEventsVersionConflictRollsBack(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orderStore := NewOrderStore(store)
	outbox := NewOutboxRepository(store)

	order := makeStoredOrder("order-store-3")
	require.NoError(t, orderStore.CreateWithEvents(order, nil))

	// Устаревшая версия: update не проходит, и событие не должно остаться.
	stale := order
	stale.Status = domain.OrderStatusConfirmed
	stale.Version = 5
	msg := makeOrderEventMessage(stale.ID, string(domain.EventTypeOrderConfirmed))

	err := orderStore.SaveWithEvents(stale, []domain.OutboxMessage{msg})
	require.True(t, domain.IsVersionConflict(err))

	pending, err := outbox.PullPending(10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOrderStore_PostgresSaveWithEventsUnknownOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orderStore := NewOrderStore(store)

	missing := makeStoredOrder("order-store-missing")
	err := orderStore.SaveWithEvents(missing, nil)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
