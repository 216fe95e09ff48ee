package membus

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// DeadLetter хранит сообщение, ушедшее в DLQ, вместе с причиной.
type DeadLetter struct {
	Topic        string
	Subscription string
	Envelope     domain.Envelope
	Err          error
	Retries      int
	FailedAt     time.Time
}

type subscriber struct {
	subscription string
	handler      domain.EventHandler
}

// Bus — синхронная шина в памяти с той же семантикой retry/DLQ, что и у
// брокерных реализаций. Publish доставляет конверт всем подписчикам топика
// в вызывающей горутине, что делает поведение детерминированным в тестах.
type Bus struct {
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *log.Entry

	mu          sync.Mutex
	subscribers map[string][]subscriber
	deadLetters []DeadLetter
}

// Option настраивает Bus.
type Option func(*Bus)

// WithMaxRetries задаёт число повторов до DLQ.
func WithMaxRetries(maxRetries int) Option {
	return func(b *Bus) {
		if maxRetries >= 0 {
			b.maxRetries = maxRetries
		}
	}
}

// WithRetryBaseDelay задаёт базовую задержку между повторами.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(b *Bus) {
		if delay >= 0 {
			b.retryBaseDelay = delay
		}
	}
}

// NewBus создаёт шину в памяти.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		maxRetries:  3,
		logger:      log.WithField("component", "membus"),
		subscribers: map[string][]subscriber{},
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Publish доставляет конверт всем подписчикам топика. Ошибка подписчика в
// шину не возвращается: как и у брокера, она решается повторами и DLQ.
func (b *Bus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	subs := make([]subscriber, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(ctx, topic, sub, env)
	}
	return nil
}

// Subscribe регистрирует обработчик для топика.
func (b *Bus) Subscribe(ctx context.Context, topic, subscription string, handler domain.EventHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{
		subscription: subscription,
		handler:      handler,
	})
	b.mu.Unlock()
	return nil
}

// Subscriptions возвращает число подписчиков топика.
func (b *Bus) Subscriptions(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topic])
}

// DeadLetters возвращает копию накопленных DLQ-записей.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *Bus) deliver(ctx context.Context, topic string, sub subscriber, env domain.Envelope) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 && b.retryBaseDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryBaseDelay * time.Duration(1<<uint(attempt-1))):
			}
		}

		err := sub.handler(ctx, env)
		if err == nil {
			return
		}
		lastErr = err

		if domain.IsPermanent(err) {
			b.deadLetter(topic, sub.subscription, env, err, attempt)
			return
		}
	}

	b.deadLetter(topic, sub.subscription, env, lastErr, b.maxRetries)
}

func (b *Bus) deadLetter(topic, subscription string, env domain.Envelope, err error, retries int) {
	b.logger.WithError(err).WithFields(log.Fields{
		"topic":        topic,
		"subscription": subscription,
		"event_id":     env.MessageID,
		"retry_count":  retries,
	}).Warn("message dead-lettered")

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Topic:        topic,
		Subscription: subscription,
		Envelope:     env,
		Err:          err,
		Retries:      retries,
		FailedAt:     time.Now().UTC(),
	})
	b.mu.Unlock()
}

var _ domain.EventBus = (*Bus)(nil)
