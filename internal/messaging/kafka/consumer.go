package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

// Consumer представляет Kafka consumer group с поддержкой retry и DLQ.
// Смещение помечается только после успешной обработки или ухода в DLQ,
// поэтому доставка at-least-once.
type Consumer struct {
	group          sarama.ConsumerGroup
	topics         []string
	handler        domain.EventHandler
	logger         *log.Entry
	wg             sync.WaitGroup
	dlqProducer    *Producer
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewConsumer создает новый Kafka consumer для списка топиков.
func NewConsumer(brokers []string, groupID string, topics []string, handler domain.EventHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3, 100*time.Millisecond)
}

// NewConsumerWithDLQ создает consumer с поддержкой Dead Letter Queue.
func NewConsumerWithDLQ(
	brokers []string,
	groupID string,
	topics []string,
	handler domain.EventHandler,
	dlqProducer *Producer,
	maxRetries int,
	retryBaseDelay time.Duration,
) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBaseDelay < 0 {
		retryBaseDelay = 0
	}

	return &Consumer{
		group:          group,
		topics:         topics,
		handler:        handler,
		logger:         log.WithFields(log.Fields{"component": "kafka-consumer", "group": groupID}),
		dlqProducer:    dlqProducer,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}, nil
}

// Start запускает consumer.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed after all retries")
				// Смещение не помечается, сообщение придёт повторно.
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry обрабатывает сообщение с ограниченным числом
// повторов. Permanent-ошибки уходят в DLQ сразу, без повторов.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var env domain.Envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		c.logger.WithError(err).WithField("topic", message.Topic).Warn("malformed envelope")
		return c.sendToDLQ(message, fmt.Errorf("unmarshal envelope: %w", err), 0)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.handler(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err

		if domain.IsPermanent(err) {
			c.logger.WithError(err).WithFields(log.Fields{
				"topic":    message.Topic,
				"event_id": env.MessageID,
			}).Warn("permanent processing error, sending to DLQ")
			return c.sendToDLQ(message, err, attempt)
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"event_id":    env.MessageID,
			"retry_count": attempt,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")
	}

	return c.sendToDLQ(message, lastErr, c.maxRetries)
}

// sendToDLQ отправляет failed message в Dead Letter Queue. Если DLQ producer
// не задан, ошибка возвращается и сообщение будет передоставлено.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, retries int) error {
	if c.dlqProducer == nil {
		return processingErr
	}

	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(retries))},
		{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		{Key: []byte(HeaderFailedAt), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	}
	if err := c.dlqProducer.PublishRaw(domain.TopicDeadLetter, string(message.Key), message.Value, headers); err != nil {
		c.logger.WithError(err).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": retries,
	}).Info("message sent to DLQ")
	return nil
}
