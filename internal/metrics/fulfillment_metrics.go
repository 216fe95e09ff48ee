package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics содержит метрики цикла исполнения заказа.
type FulfillmentMetrics struct {
	// Счётчики команд.
	ordersCreated     prometheus.Counter
	statusTransitions *prometheus.CounterVec
	commandConflicts  prometheus.Counter

	// Счётчики обработки событий по потребителям.
	eventsConsumed  *prometheus.CounterVec
	compensations   prometheus.Counter
	consumeDuration *prometheus.HistogramVec

	// Счётчики инфраструктурных событий.
	outboxEvents   prometheus.Counter
	timelineEvents prometheus.Counter
}

// Результаты обработки события для label result.
const (
	ConsumeResultOK        = "ok"
	ConsumeResultDuplicate = "duplicate"
	ConsumeResultSkipped   = "skipped"
	ConsumeResultFailed    = "failed"
)

// NewFulfillmentMetrics создаёт метрики на default registerer.
func NewFulfillmentMetrics() *FulfillmentMetrics {
	return newFulfillmentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newFulfillmentMetricsWithRegisterer(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FulfillmentMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shoppers_orders_created_total",
			Help: "Total number of orders created",
		}),
		statusTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shoppers_order_status_transitions_total",
			Help: "Total number of order status transitions grouped by target status",
		}, []string{"status"}),
		commandConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shoppers_order_command_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts during commands",
		}),
		eventsConsumed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shoppers_events_consumed_total",
			Help: "Total number of consumed events grouped by consumer and result",
		}, []string{"consumer", "result"}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shoppers_inventory_compensations_total",
			Help: "Total number of inventory compensation runs",
		}),
		consumeDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shoppers_event_consume_duration_seconds",
			Help:    "Duration of event handling grouped by consumer",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"consumer"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shoppers_outbox_events_total",
			Help: "Total number of events enqueued to the transactional outbox",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shoppers_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *FulfillmentMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordStatusTransition увеличивает счётчик переходов в указанный статус.
func (m *FulfillmentMetrics) RecordStatusTransition(status string) {
	m.statusTransitions.WithLabelValues(status).Inc()
}

// RecordCommandConflict увеличивает счётчик конфликтов optimistic locking.
func (m *FulfillmentMetrics) RecordCommandConflict() {
	m.commandConflicts.Inc()
}

// RecordEventConsumed увеличивает счётчик обработанных событий.
func (m *FulfillmentMetrics) RecordEventConsumed(consumer, result string) {
	m.eventsConsumed.WithLabelValues(consumer, result).Inc()
}

// RecordCompensation увеличивает счётчик компенсаций резервов.
func (m *FulfillmentMetrics) RecordCompensation() {
	m.compensations.Inc()
}

// RecordConsumeDuration записывает время обработки события.
func (m *FulfillmentMetrics) RecordConsumeDuration(consumer string, duration time.Duration) {
	m.consumeDuration.WithLabelValues(consumer).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий, поставленных в outbox.
func (m *FulfillmentMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *FulfillmentMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}
