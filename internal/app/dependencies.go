package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/storage/memory"
	"github.com/avinashpj22/shoppersApp/internal/storage/postgres"
	"github.com/avinashpj22/shoppersApp/internal/storage/redis"
)

// Dependencies содержит хранилища и внешние подключения приложения.
type Dependencies struct {
	Orders       domain.OrderRepository
	Products     domain.ProductRepository
	Reservations domain.ReservationRepository
	Inbox        domain.InboxRepository
	Outbox       domain.OutboxRepository
	Timeline     domain.TimelineRepository

	// OrderStore заполнен только для драйверов с транзакционной записью
	// заказа вместе с outbox-сообщениями.
	OrderStore domain.OrderStore

	Store       *postgres.Store
	RedisClient *goredis.Client
	Logger      *log.Entry
}

// NewDependencies создаёт хранилища по выбранным драйверам.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{Logger: logger}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.Orders = memory.NewOrderRepository()
		deps.Products = memory.NewProductRepository()
		deps.Reservations = memory.NewReservationRepository()
		deps.Inbox = memory.NewInboxRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		logger.Info("using in-memory storage")

	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres schema: %w", err)
			}
		}
		deps.Store = store
		deps.Orders = postgres.NewOrderRepository(store)
		deps.Products = postgres.NewProductRepository(store)
		deps.Reservations = postgres.NewReservationRepository(store)
		deps.Inbox = postgres.NewInboxRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		deps.OrderStore = postgres.NewOrderStore(store)
		logger.Info("using postgres storage")

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	if cfg.InboxDriver == InboxDriverRedis {
		client, err := redis.Open(ctx, cfg.RedisAddr)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		deps.RedisClient = client
		deps.Inbox = redis.NewInboxRepository(client)
		logger.WithField("addr", cfg.RedisAddr).Info("using redis inbox")
	}

	return deps, nil
}

// Close освобождает внешние подключения.
func (d *Dependencies) Close() {
	if d.RedisClient != nil {
		if err := d.RedisClient.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}
