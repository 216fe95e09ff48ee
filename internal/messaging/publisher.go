package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// BusOutboxPublisher адаптирует доменную шину к интерфейсу паблишера outbox.
// Payload сообщения содержит сериализованный конверт, который публикуется в
// топик из самого сообщения.
type BusOutboxPublisher struct {
	bus domain.EventBus
}

// NewBusOutboxPublisher создаёт паблишер поверх шины событий.
func NewBusOutboxPublisher(bus domain.EventBus) *BusOutboxPublisher {
	return &BusOutboxPublisher{bus: bus}
}

func (p *BusOutboxPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.bus == nil {
		return fmt.Errorf("bus outbox publisher is not initialized")
	}

	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("unmarshal outbox payload: %w", err)
	}
	if env.MessageID == "" {
		return fmt.Errorf("outbox payload %s is not an event envelope", msg.ID)
	}

	topic := msg.Topic
	if topic == "" {
		topic = domain.TopicFor(env.EventType)
	}
	return p.bus.Publish(context.Background(), topic, env)
}

var _ domain.OutboxPublisher = (*BusOutboxPublisher)(nil)
