package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// Bus реализует доменную шину событий поверх Kafka. Каждая подписка
// оформляется отдельной consumer group, поэтому независимые сервисы
// получают собственную копию потока.
type Bus struct {
	brokers        []string
	producer       *Producer
	dlqProducer    *Producer
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *log.Entry

	mu        sync.Mutex
	consumers []*Consumer
}

// BusConfig задаёт параметры Kafka-шины.
type BusConfig struct {
	Brokers        []string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// NewBus создаёт Kafka-шину. Отдельный producer для DLQ не участвует в
// идемпотентной сессии основного и переживает его сбои.
func NewBus(cfg BusConfig) (*Bus, error) {
	producer, err := NewProducer(cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	dlqProducer, err := NewProducer(cfg.Brokers)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create dlq producer: %w", err)
	}

	return &Bus{
		brokers:        cfg.Brokers,
		producer:       producer,
		dlqProducer:    dlqProducer,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		logger:         log.WithField("component", "kafka-bus"),
	}, nil
}

// Publish отправляет конверт события в топик.
func (b *Bus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.producer.PublishEnvelope(topic, env)
}

// Subscribe запускает consumer group для топика. Обработчик вызывается для
// каждого сообщения, возврат ошибки запускает retry/DLQ цикл.
func (b *Bus) Subscribe(ctx context.Context, topic, subscription string, handler domain.EventHandler) error {
	consumer, err := NewConsumerWithDLQ(
		b.brokers,
		subscription,
		[]string{topic},
		handler,
		b.dlqProducer,
		b.maxRetries,
		b.retryBaseDelay,
	)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", topic, subscription, err)
	}

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer %s/%s: %w", topic, subscription, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, consumer)
	b.mu.Unlock()
	return nil
}

// Close останавливает всех потребителей и закрывает producers.
func (b *Bus) Close() error {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	var firstErr error
	for _, consumer := range consumers {
		if err := consumer.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.dlqProducer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		b.logger.WithError(firstErr).Warn("kafka bus closed with errors")
	}
	return firstErr
}

var _ domain.EventBus = (*Bus)(nil)
