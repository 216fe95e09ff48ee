package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	healthcheck "github.com/avinashpj22/shoppersApp/internal/health"
	"github.com/avinashpj22/shoppersApp/internal/messaging"
	"github.com/avinashpj22/shoppersApp/internal/messaging/kafka"
	"github.com/avinashpj22/shoppersApp/internal/messaging/membus"
	"github.com/avinashpj22/shoppersApp/internal/messaging/rabbit"
	"github.com/avinashpj22/shoppersApp/internal/metrics"
	"github.com/avinashpj22/shoppersApp/internal/service/fulfillment"
	"github.com/avinashpj22/shoppersApp/internal/service/inbox"
	"github.com/avinashpj22/shoppersApp/internal/service/inventory"
	"github.com/avinashpj22/shoppersApp/internal/service/order"
	"github.com/avinashpj22/shoppersApp/internal/service/outbox"
	transport "github.com/avinashpj22/shoppersApp/internal/transport/http"
	"github.com/avinashpj22/shoppersApp/internal/version"
)

// Run собирает приложение по конфигурации и блокируется до отмены контекста.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	bus, closeBus, err := newEventBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	fulfillmentMetrics := metrics.NewFulfillmentMetrics()

	orderOpts := []order.Option{}
	if deps.OrderStore != nil {
		orderOpts = append(orderOpts, order.WithStore(deps.OrderStore))
	}
	orderSvc := order.NewService(
		deps.Orders, deps.Outbox, deps.Timeline,
		logger.WithField("component", "order-service"),
		orderOpts...,
	)
	inventoryConsumer := inventory.NewConsumer(
		deps.Products, deps.Reservations, deps.Inbox, deps.Outbox,
		inventory.WithLogger(logger.WithField("component", "inventory-consumer")),
		inventory.WithRetention(cfg.InboxRetention),
		inventory.WithMetrics(fulfillmentMetrics),
	)
	coordinator := fulfillment.NewCoordinator(
		bus, orderSvc, inventoryConsumer, deps.Inbox, cfg.InboxRetention,
		logger.WithField("component", "fulfillment-coordinator"),
		fulfillmentMetrics,
	)

	outboxWorker := outbox.NewWorker(
		deps.Outbox,
		messaging.NewBusOutboxPublisher(bus),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
	)
	go outboxWorker.Run(ctx)

	// Redis-отметки устаревают сами по TTL, воркер нужен только хранилищу.
	if cfg.InboxDriver == InboxDriverStorage {
		cleanupWorker := inbox.NewCleanupWorker(
			deps.Inbox,
			inbox.WithLogger(logger.WithField("component", "inbox-cleanup-worker")),
		)
		go cleanupWorker.Run(ctx)
	}

	coordinatorErr := make(chan error, 1)
	go func() {
		coordinatorErr <- coordinator.Run(ctx)
	}()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.Store != nil {
		healthHandler.Register("postgres", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return deps.Store.Ping(checkCtx)
		})
	}
	if deps.RedisClient != nil {
		healthHandler.Register("redis", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return deps.RedisClient.Ping(checkCtx).Err()
		})
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	apiSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: transport.NewHandler(orderSvc).Router(),
	}
	apiErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		apiErr <- apiSrv.ListenAndServe()
	}()
	defer shutdownHTTP(apiSrv, logger)

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
		return ctx.Err()
	case err := <-apiErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case err := <-coordinatorErr:
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("fulfillment coordinator: %w", err)
	}
}

// newEventBus создаёт шину по драйверу из конфигурации. Возвращённая
// функция закрывает подключения брокера; для шины в памяти она no-op.
func newEventBus(cfg Config) (domain.EventBus, func(), error) {
	switch cfg.MessagingDriver {
	case MessagingDriverMemory:
		bus := membus.NewBus(
			membus.WithMaxRetries(cfg.ConsumerMaxRetries),
			membus.WithRetryBaseDelay(cfg.RetryBaseDelay),
		)
		return bus, func() {}, nil

	case MessagingDriverKafka:
		bus, err := kafka.NewBus(kafka.BusConfig{
			Brokers:        cfg.KafkaBrokers,
			MaxRetries:     cfg.ConsumerMaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka bus: %w", err)
		}
		return bus, func() { _ = bus.Close() }, nil

	case MessagingDriverRabbit:
		bus, err := rabbit.NewBus(rabbit.BusConfig{
			URL:            cfg.RabbitURL,
			MaxRetries:     cfg.ConsumerMaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create rabbit bus: %w", err)
		}
		return bus, func() { _ = bus.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown messaging driver %q", cfg.MessagingDriver)
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus
// вместе с health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
