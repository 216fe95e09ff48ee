package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

const (
	publishTimeout = 5 * time.Second

	headerRetryCount    = "x-retry-count"
	headerOriginalTopic = "x-original-topic"
	headerErrorMessage  = "x-error-message"
	headerFailedAt      = "x-failed-at"
)

// Bus реализует доменную шину событий поверх RabbitMQ. Топик отображается в
// durable fanout exchange, подписка в durable очередь: несколько подписок
// на один топик получают независимые копии потока.
type Bus struct {
	conn           *amqp.Connection
	pubChan        *amqp.Channel
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *log.Entry

	mu        sync.Mutex
	declared  map[string]bool
	consumers []*amqp.Channel
	wg        sync.WaitGroup
}

// BusConfig задаёт параметры RabbitMQ-шины.
type BusConfig struct {
	URL            string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// NewBus подключается к RabbitMQ и объявляет DLQ-очередь.
func NewBus(cfg BusConfig) (*Bus, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	pubChan, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	if _, err := pubChan.QueueDeclare(domain.TopicDeadLetter, true, false, false, false, nil); err != nil {
		_ = pubChan.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare dlq queue: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Bus{
		conn:           conn,
		pubChan:        pubChan,
		maxRetries:     maxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		logger:         log.WithField("component", "rabbit-bus"),
		declared:       map[string]bool{},
	}, nil
}

// Publish отправляет конверт события в exchange топика.
func (b *Bus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	if err := b.ensureExchange(topic); err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return b.pubChan.PublishWithContext(pubCtx,
		topic, "", false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    env.MessageID,
			Timestamp:    env.OccurredAt,
			Body:         body,
		})
}

// Subscribe привязывает durable очередь подписки к exchange топика и
// запускает потребление с manual ack.
func (b *Bus) Subscribe(ctx context.Context, topic, subscription string, handler domain.EventHandler) error {
	if err := b.ensureExchange(topic); err != nil {
		return err
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	queue := topic + "." + subscription
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", topic, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, subscription, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, ch)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consumeLoop(ctx, topic, deliveries, handler)

	b.logger.WithFields(log.Fields{"topic": topic, "queue": queue}).Info("rabbit consumer started")
	return nil
}

func (b *Bus) consumeLoop(ctx context.Context, topic string, deliveries <-chan amqp.Delivery, handler domain.EventHandler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, topic, delivery, handler)
		}
	}
}

// handleDelivery обрабатывает одно сообщение с ограниченными повторами.
// Permanent-ошибки и исчерпанные повторы уходят в DLQ, после чего сообщение
// подтверждается.
func (b *Bus) handleDelivery(ctx context.Context, topic string, delivery amqp.Delivery, handler domain.EventHandler) {
	var env domain.Envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		b.logger.WithError(err).WithField("topic", topic).Warn("malformed envelope")
		b.deadLetter(ctx, topic, delivery, err, 0)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 && b.retryBaseDelay > 0 {
			select {
			case <-ctx.Done():
				_ = delivery.Nack(false, true)
				return
			case <-time.After(b.retryBaseDelay * time.Duration(1<<uint(attempt-1))):
			}
		}

		err := handler(ctx, env)
		if err == nil {
			if ackErr := delivery.Ack(false); ackErr != nil {
				b.logger.WithError(ackErr).Warn("ack failed")
			}
			return
		}
		lastErr = err

		if domain.IsPermanent(err) {
			b.logger.WithError(err).WithFields(log.Fields{
				"topic":    topic,
				"event_id": env.MessageID,
			}).Warn("permanent processing error, dead-lettering")
			b.deadLetter(ctx, topic, delivery, err, attempt)
			return
		}

		b.logger.WithError(err).WithFields(log.Fields{
			"topic":       topic,
			"event_id":    env.MessageID,
			"retry_count": attempt,
			"max_retries": b.maxRetries,
		}).Warn("message processing failed, will retry")
	}

	b.deadLetter(ctx, topic, delivery, lastErr, b.maxRetries)
}

// deadLetter кладёт сообщение в DLQ-очередь и подтверждает оригинал. Если
// публикация в DLQ не удалась, оригинал возвращается в очередь.
func (b *Bus) deadLetter(ctx context.Context, topic string, delivery amqp.Delivery, processingErr error, retries int) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := b.pubChan.PublishWithContext(pubCtx,
		"", domain.TopicDeadLetter, false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    delivery.MessageId,
			Headers: amqp.Table{
				headerOriginalTopic: topic,
				headerRetryCount:    int32(retries),
				headerErrorMessage:  processingErr.Error(),
				headerFailedAt:      time.Now().UTC().Format(time.RFC3339),
			},
			Body: delivery.Body,
		})
	if err != nil {
		b.logger.WithError(err).Error("failed to publish to DLQ, requeueing")
		_ = delivery.Nack(false, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		b.logger.WithError(err).Warn("ack after dead-letter failed")
	}
	b.logger.WithFields(log.Fields{
		"topic":       topic,
		"retry_count": retries,
	}).Info("message sent to DLQ")
}

func (b *Bus) ensureExchange(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.declared[topic] {
		return nil
	}
	if err := b.pubChan.ExchangeDeclare(topic, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	b.declared[topic] = true
	return nil
}

// Close останавливает потребителей и закрывает соединение.
func (b *Bus) Close() error {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	var firstErr error
	for _, ch := range consumers {
		if err := ch.Close(); err != nil && firstErr == nil && !errors.Is(err, amqp.ErrClosed) {
			firstErr = err
		}
	}
	b.wg.Wait()

	if err := b.pubChan.Close(); err != nil && firstErr == nil && !errors.Is(err, amqp.ErrClosed) {
		firstErr = err
	}
	if err := b.conn.Close(); err != nil && firstErr == nil && !errors.Is(err, amqp.ErrClosed) {
		firstErr = err
	}
	return firstErr
}

var _ domain.EventBus = (*Bus)(nil)
