package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в топик, записанный в самом
// сообщении. Payload уже содержит сериализованный конверт события.
type OutboxTopicPublisher struct {
	producer     *Producer
	defaultTopic string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, defaultTopic string) domain.OutboxPublisher {
	if defaultTopic == "" {
		defaultTopic = domain.TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer:     producer,
		defaultTopic: defaultTopic,
	}
}

func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}

	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err == nil && env.MessageID != "" {
		return p.producer.PublishEnvelope(topic, env)
	}

	// Payload без конверта (например DLQ-обёртка) уходит как есть.
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(msg.EventType)},
		{Key: []byte(HeaderAggregateID), Value: []byte(msg.AggregateID)},
	}
	return p.producer.PublishRaw(topic, key, msg.Payload, headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
