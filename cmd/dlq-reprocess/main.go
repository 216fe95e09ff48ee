package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayTarget описывает, куда и что вернуть из DLQ.
type replayTarget struct {
	topic string
	key   string
	value []byte
}

// outboxDLQPayload — обёртка, которую пишет outbox worker при провале публикации.
type outboxDLQPayload struct {
	OutboxID    string          `json:"outbox_id"`
	EventType   string          `json:"event_type"`
	SourceTopic string          `json:"source_topic"`
	Payload     json.RawMessage `json:"payload"`
}

func main() {
	cfg := parseFlags()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "dlq-reprocess")

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		logger.WithError(err).Fatal("create kafka client")
	}
	defer client.Close()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		logger.WithError(err).Fatal("create kafka consumer")
	}
	defer consumer.Close()

	var producer *kafka.Producer
	if cfg.execute {
		producer, err = kafka.NewProducer(cfg.brokers)
		if err != nil {
			logger.WithError(err).Fatal("create kafka producer")
		}
		defer producer.Close()
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		logger.WithError(err).Fatal("list dlq partitions")
	}

	replayed := 0
	for _, partition := range partitions {
		if replayed >= cfg.limit {
			break
		}
		replayed += drainPartition(cfg, logger, consumer, producer, partition, cfg.limit-replayed)
	}

	mode := "inspected"
	if cfg.execute {
		mode = "replayed"
	}
	logger.WithFields(log.Fields{"count": replayed, "mode": mode}).Info("dlq reprocess finished")
}

func parseFlags() config {
	var (
		brokersFlag string
		topic       string
		limit       int
		execute     bool
		fromNewest  bool
		idleTimeout time.Duration
	)

	flag.StringVar(&brokersFlag, "brokers", "localhost:9092", "comma-separated kafka brokers")
	flag.StringVar(&topic, "topic", domain.TopicDeadLetter, "dead-letter topic to read")
	flag.IntVar(&limit, "limit", defaultReplayLimit, "max messages to process")
	flag.BoolVar(&execute, "execute", false, "republish messages to original topics (default: dry run)")
	flag.BoolVar(&fromNewest, "from-newest", false, "start from newest offset instead of oldest")
	flag.DurationVar(&idleTimeout, "idle-timeout", defaultIdleTimeout, "stop after this idle period per partition")
	flag.Parse()

	brokers := strings.Split(brokersFlag, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	if limit <= 0 {
		limit = defaultReplayLimit
	}

	return config{
		brokers:     brokers,
		sourceTopic: topic,
		limit:       limit,
		execute:     execute,
		fromNewest:  fromNewest,
		idleTimeout: idleTimeout,
	}
}

func drainPartition(cfg config, logger *log.Entry, consumer sarama.Consumer, producer *kafka.Producer, partition int32, budget int) int {
	offset := sarama.OffsetOldest
	if cfg.fromNewest {
		offset = sarama.OffsetNewest
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, offset)
	if err != nil {
		logger.WithError(err).WithField("partition", partition).Warn("consume partition failed")
		return 0
	}
	defer pc.Close()

	processed := 0
	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for processed < budget {
		select {
		case message := <-pc.Messages():
			if message == nil {
				return processed
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(cfg.idleTimeout)

			target, err := resolveTarget(message)
			if err != nil {
				logger.WithError(err).WithField("offset", message.Offset).Warn("skip unresolvable dlq message")
				continue
			}

			logger.WithFields(log.Fields{
				"partition":    partition,
				"offset":       message.Offset,
				"target_topic": target.topic,
				"key":          target.key,
			}).Info("dlq message")

			if cfg.execute {
				if err := producer.PublishRaw(target.topic, target.key, target.value, nil); err != nil {
					logger.WithError(err).WithField("offset", message.Offset).Error("republish failed")
					continue
				}
			}
			processed++

		case err := <-pc.Errors():
			logger.WithError(err).Warn("partition consumer error")

		case <-idle.C:
			return processed
		}
	}
	return processed
}

// resolveTarget восстанавливает исходный топик сообщения. Consumer-DLQ несёт
// его в заголовке, outbox-DLQ в поле source_topic обёртки.
func resolveTarget(message *sarama.ConsumerMessage) (replayTarget, error) {
	for _, header := range message.Headers {
		if string(header.Key) == kafka.HeaderOriginalTopic && len(header.Value) > 0 {
			return replayTarget{
				topic: string(header.Value),
				key:   string(message.Key),
				value: message.Value,
			}, nil
		}
	}

	var wrapped outboxDLQPayload
	if err := json.Unmarshal(message.Value, &wrapped); err == nil && wrapped.SourceTopic != "" {
		return replayTarget{
			topic: wrapped.SourceTopic,
			key:   string(message.Key),
			value: wrapped.Payload,
		}, nil
	}

	return replayTarget{}, fmt.Errorf("message has no original topic")
}
