package order_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/service/order"
	"github.com/avinashpj22/shoppersApp/internal/storage/memory"
)

// pendingOutbox расширяет репозиторий доступом к backlog для проверок.
type pendingOutbox interface {
	domain.OutboxRepository
	AllPending() []domain.OutboxMessage
}

type fixture struct {
	svc      *order.Service
	orders   domain.OrderRepository
	outbox   pendingOutbox
	timeline domain.TimelineRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	orders := memory.NewOrderRepository()
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()

	return fixture{
		svc:      order.NewServiceWithoutMetrics(orders, outbox, timeline, nil),
		orders:   orders,
		outbox:   outbox,
		timeline: timeline,
	}
}

func makeItems() []domain.OrderLineItem {
	return []domain.OrderLineItem{
		{ProductID: "prod-1", Qty: 2, PriceMinor: 1500},
	}
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	stored, err := f.orders.Get(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.AmountMinor != 3000 {
		t.Fatalf("expected amount 3000, got %d", stored.AmountMinor)
	}

	pending := f.outbox.AllPending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(pending))
	}
	msg := pending[0]
	if msg.EventType != string(domain.EventTypeOrderCreated) {
		t.Errorf("expected order.created, got %s", msg.EventType)
	}
	if msg.Topic != domain.TopicOrderEvents {
		t.Errorf("expected topic %s, got %s", domain.TopicOrderEvents, msg.Topic)
	}

	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.AggregateID != created.ID {
		t.Errorf("expected aggregate %s, got %s", created.ID, env.AggregateID)
	}
	if env.MessageID == "" {
		t.Error("expected non-empty message id")
	}

	timeline, err := f.svc.Timeline(created.ID)
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Type != string(domain.EventTypeOrderCreated) {
		t.Fatalf("expected OrderCreated timeline entry, got %+v", timeline)
	}
}

func TestService_Create_InvalidArguments(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Create("", "USD", makeItems()); !errors.Is(err, domain.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}
	if pending := f.outbox.AllPending(); len(pending) != 0 {
		t.Fatalf("rejected create enqueued %d messages", len(pending))
	}
}

func TestService_FullLifecycle(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	confirmed, err := f.svc.Confirm(created.ID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.Version != created.Version+1 {
		t.Fatalf("expected version bump, got %d", confirmed.Version)
	}

	shipped, err := f.svc.Ship(created.ID, "TRK-1")
	if err != nil {
		t.Fatalf("ship failed: %v", err)
	}
	if shipped.TrackingNumber != "TRK-1" {
		t.Fatalf("expected tracking number, got %q", shipped.TrackingNumber)
	}

	completed, err := f.svc.Complete(created.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	// OrderCreated + 3 перехода.
	if pending := f.outbox.AllPending(); len(pending) != 4 {
		t.Fatalf("expected 4 outbox messages, got %d", len(pending))
	}
}

func TestService_IllegalTransition(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := f.svc.Ship(created.ID, "TRK-1"); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	stored, err := f.orders.Get(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("rejected command changed status to %s", stored.Status)
	}
}

func TestService_ConfirmFromPayment(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := f.svc.ConfirmFromPayment(created.ID, created.AmountMinor); err != nil {
		t.Fatalf("confirm from payment failed: %v", err)
	}

	stored, err := f.orders.Get(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", stored.Status)
	}

	// Повторная доставка того же платежа не меняет заказ и не падает.
	if err := f.svc.ConfirmFromPayment(created.ID, created.AmountMinor); err != nil {
		t.Fatalf("redelivered payment failed: %v", err)
	}

	after, err := f.orders.Get(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if after.Version != stored.Version {
		t.Fatalf("redelivery changed version: %d -> %d", stored.Version, after.Version)
	}
}

func TestService_ConfirmFromPayment_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ConfirmFromPayment("missing", 100)
	if err == nil {
		t.Fatal("expected error for unknown order")
	}
	if !domain.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestService_ConfirmFromPayment_TerminalOrder(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.svc.Cancel(created.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	err = f.svc.ConfirmFromPayment(created.ID, created.AmountMinor)
	if err == nil {
		t.Fatal("expected error for payment on canceled order")
	}
	if !domain.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestService_FailFromReservation(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := f.svc.FailFromReservation(created.ID, "insufficient stock"); err != nil {
		t.Fatalf("fail from reservation failed: %v", err)
	}

	stored, err := f.orders.Get(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}

	timeline, err := f.svc.Timeline(created.ID)
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	found := false
	for _, entry := range timeline {
		if entry.Type == string(domain.EventTypeOrderFailed) && entry.Reason == "insufficient stock" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected OrderFailed timeline entry with reason, got %+v", timeline)
	}
}

func TestService_FailFromReservation_Stale(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.svc.Confirm(created.ID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	// Событие о провале резерва для уже подтверждённого заказа считается устаревшим.
	if err := f.svc.FailFromReservation(created.ID, "late failure"); err != nil {
		t.Fatalf("stale reservation failure returned error: %v", err)
	}

	stored, err := f.orders.Get(created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", stored.Status)
	}

	// Неизвестный заказ тоже пропускается без ошибки.
	if err := f.svc.FailFromReservation("missing", "reason"); err != nil {
		t.Fatalf("unknown order failure returned error: %v", err)
	}
}

func TestService_Mutate_RetriesVersionConflict(t *testing.T) {
	orders := &conflictingOrderRepo{
		inner:     memory.NewOrderRepository(),
		conflicts: 1,
	}
	outbox := memory.NewOutboxRepository()
	svc := order.NewServiceWithoutMetrics(orders, outbox, memory.NewTimelineRepository(), nil)

	created, err := svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	confirmed, err := svc.Confirm(created.ID)
	if err != nil {
		t.Fatalf("expected retry to absorb the conflict, got %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if orders.saveCalls != 2 {
		t.Fatalf("expected 2 save calls (conflict + retry), got %d", orders.saveCalls)
	}
}

func TestService_Mutate_GivesUpAfterRetries(t *testing.T) {
	orders := &conflictingOrderRepo{
		inner:     memory.NewOrderRepository(),
		conflicts: 10,
	}
	svc := order.NewServiceWithoutMetrics(orders, memory.NewOutboxRepository(), nil, nil)

	created, err := svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.Confirm(created.ID); !domain.IsVersionConflict(err) {
		t.Fatalf("expected ErrVersionConflict after exhausted retries, got %v", err)
	}
}

// conflictingOrderRepo отдаёт ErrVersionConflict на первые conflicts вызовов Save.
type conflictingOrderRepo struct {
	inner     domain.OrderRepository
	conflicts int
	saveCalls int
}

func (r *conflictingOrderRepo) Create(order domain.Order) error {
	return r.inner.Create(order)
}

func (r *conflictingOrderRepo) Get(id string) (domain.Order, error) {
	return r.inner.Get(id)
}

func (r *conflictingOrderRepo) ListByCustomer(customerID string, limit int) ([]domain.Order, error) {
	return r.inner.ListByCustomer(customerID, limit)
}

func (r *conflictingOrderRepo) Save(order domain.Order) error {
	r.saveCalls++
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrVersionConflict
	}
	return r.inner.Save(order)
}

var _ domain.OrderRepository = (*conflictingOrderRepo)(nil)

func TestService_Create_PropagatesEnqueueError(t *testing.T) {
	outbox := &failingOutbox{inner: memory.NewOutboxRepository(), fail: true}
	svc := order.NewServiceWithoutMetrics(
		memory.NewOrderRepository(), outbox, memory.NewTimelineRepository(), nil,
	)

	// Событие не встало в outbox — команда не выполнена, вызывающий должен
	// об этом узнать, а не получить заказ без OrderCreated.
	if _, err := svc.Create("customer-1", "USD", makeItems()); err == nil {
		t.Fatal("expected error when OrderCreated cannot be enqueued")
	}
}

func TestService_Confirm_PropagatesEnqueueError(t *testing.T) {
	outbox := &failingOutbox{inner: memory.NewOutboxRepository()}
	svc := order.NewServiceWithoutMetrics(
		memory.NewOrderRepository(), outbox, memory.NewTimelineRepository(), nil,
	)

	created, err := svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	outbox.fail = true
	if _, err := svc.Confirm(created.ID); err == nil {
		t.Fatal("expected error when OrderConfirmed cannot be enqueued")
	}
}

func TestService_WithStore_WritesStateAndEventsTogether(t *testing.T) {
	orders := memory.NewOrderRepository()
	store := &recordingStore{inner: orders}
	svc := order.NewServiceWithoutMetrics(
		orders, memory.NewOutboxRepository(), memory.NewTimelineRepository(), nil,
		order.WithStore(store),
	)

	created, err := svc.Create("customer-1", "USD", makeItems())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.Confirm(created.ID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	// Каждый переход уходит в хранилище одним вызовом вместе со своими
	// событиями, без отдельной постановки в outbox.
	want := []int{1, 1}
	if len(store.msgCounts) != len(want) {
		t.Fatalf("expected %d store calls, got %d", len(want), len(store.msgCounts))
	}
	for i, count := range want {
		if store.msgCounts[i] != count {
			t.Errorf("call %d: expected %d messages, got %d", i, count, store.msgCounts[i])
		}
	}
}

// failingOutbox отдаёт ошибку Enqueue, пока fail взведён.
type failingOutbox struct {
	inner domain.OutboxRepository
	fail  bool
}

func (o *failingOutbox) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if o.fail {
		return domain.OutboxMessage{}, errors.New("outbox unavailable")
	}
	return o.inner.Enqueue(msg)
}

func (o *failingOutbox) PullPending(limit int) ([]domain.OutboxMessage, error) {
	return o.inner.PullPending(limit)
}

func (o *failingOutbox) Stats() (domain.OutboxStats, error) {
	return o.inner.Stats()
}

func (o *failingOutbox) MarkSent(id string) error {
	return o.inner.MarkSent(id)
}

func (o *failingOutbox) MarkFailed(id string) error {
	return o.inner.MarkFailed(id)
}

var _ domain.OutboxRepository = (*failingOutbox)(nil)

// recordingStore пишет заказ в репозиторий и запоминает, сколько сообщений
// пришло с каждым вызовом.
type recordingStore struct {
	inner     domain.OrderRepository
	msgCounts []int
}

func (s *recordingStore) CreateWithEvents(order domain.Order, msgs []domain.OutboxMessage) error {
	s.msgCounts = append(s.msgCounts, len(msgs))
	return s.inner.Create(order)
}

func (s *recordingStore) SaveWithEvents(order domain.Order, msgs []domain.OutboxMessage) error {
	s.msgCounts = append(s.msgCounts, len(msgs))
	return s.inner.Save(order)
}

var _ domain.OrderStore = (*recordingStore)(nil)
