package inventory_test

import (
	"errors"
	"testing"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/service/inventory"
	"github.com/avinashpj22/shoppersApp/internal/storage/memory"
)

// pendingOutbox расширяет репозиторий доступом к backlog для проверок.
type pendingOutbox interface {
	domain.OutboxRepository
	AllPending() []domain.OutboxMessage
}

type fixture struct {
	consumer     *inventory.Consumer
	products     domain.ProductRepository
	reservations domain.ReservationRepository
	inbox        domain.InboxRepository
	outbox       pendingOutbox
}

func newFixture(t *testing.T, products ...domain.Product) fixture {
	t.Helper()

	productRepo := memory.NewProductRepository()
	for _, product := range products {
		if err := productRepo.Create(product); err != nil {
			t.Fatalf("seed product %s: %v", product.ID, err)
		}
	}

	reservations := memory.NewReservationRepository()
	inbox := memory.NewInboxRepository()
	outbox := memory.NewOutboxRepository()

	return fixture{
		consumer:     inventory.NewConsumer(productRepo, reservations, inbox, outbox),
		products:     productRepo,
		reservations: reservations,
		inbox:        inbox,
		outbox:       outbox,
	}
}

func activeProduct(id string, stock int32) domain.Product {
	return domain.Product{ID: id, Name: id, StockQty: stock, Active: true}
}

func orderCreated(orderID string, items ...domain.EventLineItem) domain.OrderCreated {
	var total int64
	for _, item := range items {
		total += int64(item.Qty) * item.PriceMinor
	}
	return domain.OrderCreated{
		EventMeta:   domain.NewEventMeta(orderID),
		CustomerID:  "customer-1",
		Currency:    "USD",
		AmountMinor: total,
		ItemCount:   int32(len(items)),
		Items:       items,
	}
}

func eventTypes(messages []domain.OutboxMessage) map[string]int {
	types := make(map[string]int)
	for _, msg := range messages {
		types[msg.EventType]++
	}
	return types
}

func TestConsumer_HandleOrderCreated(t *testing.T) {
	f := newFixture(t,
		activeProduct("prod-1", 10),
		activeProduct("prod-2", 5),
	)

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 3, PriceMinor: 100},
		domain.EventLineItem{ProductID: "prod-2", Qty: 2, PriceMinor: 200},
	)

	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	first, err := f.products.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if first.StockQty != 7 {
		t.Errorf("expected stock 7, got %d", first.StockQty)
	}
	second, err := f.products.Get("prod-2")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if second.StockQty != 3 {
		t.Errorf("expected stock 3, got %d", second.StockQty)
	}

	reservations, err := f.reservations.ListByOrder("order-1")
	if err != nil {
		t.Fatalf("list reservations failed: %v", err)
	}
	if len(reservations) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(reservations))
	}

	types := eventTypes(f.outbox.AllPending())
	if types[string(domain.EventTypeInventoryReserved)] != 2 {
		t.Errorf("expected 2 InventoryReserved messages, got %d", types[string(domain.EventTypeInventoryReserved)])
	}

	seen, err := f.inbox.Seen(inventory.ConsumerName, event.EventID)
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if !seen {
		t.Error("expected inbox mark after successful handling")
	}
}

func TestConsumer_HandleOrderCreated_Redelivery(t *testing.T) {
	f := newFixture(t, activeProduct("prod-1", 10))

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 3, PriceMinor: 100},
	)

	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	// Повторная доставка того же события списывать сток не должна.
	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	product, err := f.products.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.StockQty != 7 {
		t.Fatalf("redelivery changed stock: expected 7, got %d", product.StockQty)
	}

	types := eventTypes(f.outbox.AllPending())
	if types[string(domain.EventTypeInventoryReserved)] != 1 {
		t.Fatalf("expected single InventoryReserved, got %d", types[string(domain.EventTypeInventoryReserved)])
	}
}

func TestConsumer_HandleOrderCreated_ReservationRecordBlocksDoubleReserve(t *testing.T) {
	f := newFixture(t, activeProduct("prod-1", 10))

	// Резерв уже завершён (процесс упал между списанием и inbox-отметкой).
	created, err := f.reservations.CreateIfAbsent(domain.Reservation{
		OrderID:   "order-1",
		ProductID: "prod-1",
		Qty:       3,
		Status:    domain.ReservationStatusReserved,
	})
	if err != nil || !created {
		t.Fatalf("seed reservation: created=%v err=%v", created, err)
	}

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 3, PriceMinor: 100},
	)
	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	product, err := f.products.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.StockQty != 10 {
		t.Fatalf("existing reservation must skip stock deduction, got stock %d", product.StockQty)
	}
}

// flakyProductRepository возвращает заданное число ошибок Save перед тем,
// как передать вызов реальному хранилищу.
type flakyProductRepository struct {
	domain.ProductRepository
	failures int
}

func (r *flakyProductRepository) Save(product domain.Product) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("storage temporarily unavailable")
	}
	return r.ProductRepository.Save(product)
}

var _ domain.ProductRepository = (*flakyProductRepository)(nil)

func TestConsumer_HandleOrderCreated_RetryAfterTransientSaveError(t *testing.T) {
	productRepo := memory.NewProductRepository()
	if err := productRepo.Create(activeProduct("prod-1", 10)); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	flaky := &flakyProductRepository{ProductRepository: productRepo, failures: 1}

	reservations := memory.NewReservationRepository()
	inbox := memory.NewInboxRepository()
	outbox := memory.NewOutboxRepository()
	consumer := inventory.NewConsumer(flaky, reservations, inbox, outbox)

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 3, PriceMinor: 100},
	)

	// Хранилище отказало между вставкой записи резерва и списанием стока:
	// обработчик обязан вернуть ошибку, чтобы брокер доставил событие снова.
	if err := consumer.HandleOrderCreated(event); err == nil {
		t.Fatal("expected error on transient save failure")
	}

	res, err := reservations.Get("order-1", "prod-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != domain.ReservationStatusPending {
		t.Fatalf("interrupted line must stay pending, got %s", res.Status)
	}

	// Повторная доставка досписывает сток и завершает резерв.
	if err := consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	product, err := productRepo.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.StockQty != 7 {
		t.Fatalf("expected stock 7 after redelivery, got %d", product.StockQty)
	}

	res, err = reservations.Get("order-1", "prod-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != domain.ReservationStatusReserved {
		t.Fatalf("expected reservation reserved, got %s", res.Status)
	}

	types := eventTypes(outbox.AllPending())
	if types[string(domain.EventTypeInventoryReserved)] != 1 {
		t.Fatalf("expected single InventoryReserved, got %d", types[string(domain.EventTypeInventoryReserved)])
	}

	seen, err := inbox.Seen(inventory.ConsumerName, event.EventID)
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if !seen {
		t.Error("expected inbox mark after successful redelivery")
	}
}

func TestConsumer_HandleOrderCreated_Compensation(t *testing.T) {
	f := newFixture(t,
		activeProduct("prod-1", 10),
		activeProduct("prod-2", 1),
		activeProduct("prod-3", 10),
	)

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 3, PriceMinor: 100},
		domain.EventLineItem{ProductID: "prod-2", Qty: 5, PriceMinor: 100},
		domain.EventLineItem{ProductID: "prod-3", Qty: 2, PriceMinor: 100},
	)

	// Отказ склада — доменный исход: ошибка не возвращается, retry не нужен.
	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("expected nil for rejected reservation, got %v", err)
	}

	first, err := f.products.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if first.StockQty != 10 {
		t.Errorf("expected compensation to restore prod-1 stock, got %d", first.StockQty)
	}
	second, err := f.products.Get("prod-2")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if second.StockQty != 1 {
		t.Errorf("rejected line changed prod-2 stock: %d", second.StockQty)
	}
	third, err := f.products.Get("prod-3")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if third.StockQty != 10 {
		t.Errorf("line after rejection touched prod-3 stock: %d", third.StockQty)
	}

	reservations, err := f.reservations.ListByOrder("order-1")
	if err != nil {
		t.Fatalf("list reservations failed: %v", err)
	}
	for _, res := range reservations {
		if res.ProductID == "prod-1" && res.Status != domain.ReservationStatusReleased {
			t.Errorf("expected prod-1 reservation released, got %s", res.Status)
		}
	}

	types := eventTypes(f.outbox.AllPending())
	if types[string(domain.EventTypeInventoryReservationFailed)] != 1 {
		t.Errorf("expected single InventoryReservationFailed, got %d", types[string(domain.EventTypeInventoryReservationFailed)])
	}
	if types[string(domain.EventTypeInventoryReleased)] != 1 {
		t.Errorf("expected single InventoryReleased, got %d", types[string(domain.EventTypeInventoryReleased)])
	}

	// Событие помечено обработанным: повторная доставка не повторит компенсацию.
	seen, err := f.inbox.Seen(inventory.ConsumerName, event.EventID)
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if !seen {
		t.Error("expected inbox mark after compensated handling")
	}
}

func TestConsumer_HandleOrderCreated_UnknownProduct(t *testing.T) {
	f := newFixture(t, activeProduct("prod-1", 10))

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 2, PriceMinor: 100},
		domain.EventLineItem{ProductID: "missing", Qty: 1, PriceMinor: 100},
	)

	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("expected nil for unknown product, got %v", err)
	}

	product, err := f.products.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.StockQty != 10 {
		t.Fatalf("expected compensation to restore stock, got %d", product.StockQty)
	}

	types := eventTypes(f.outbox.AllPending())
	if types[string(domain.EventTypeInventoryReservationFailed)] != 1 {
		t.Fatalf("expected InventoryReservationFailed, got %+v", types)
	}
}

func TestConsumer_HandleOrderCreated_InactiveProduct(t *testing.T) {
	inactive := domain.Product{ID: "prod-1", Name: "prod-1", StockQty: 10, Active: false}
	f := newFixture(t, inactive)

	event := orderCreated("order-1",
		domain.EventLineItem{ProductID: "prod-1", Qty: 1, PriceMinor: 100},
	)

	if err := f.consumer.HandleOrderCreated(event); err != nil {
		t.Fatalf("expected nil for inactive product, got %v", err)
	}

	product, err := f.products.Get("prod-1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.StockQty != 10 {
		t.Fatalf("inactive product stock changed: %d", product.StockQty)
	}
}
