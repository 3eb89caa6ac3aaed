package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/messaging/kafka"
)

const eventMonitorMaxRetries = 3

// initEventMonitor поднимает подписку на события заказов: каждое событие
// из outbox-топика логируется как строка операционной проекции, битые
// сообщения после retry уходят в DLQ. Пустая consumer group отключает
// подписку; producer нужен для DLQ, без него монитор тоже не стартует.
func initEventMonitor(cfg Config, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	if cfg.KafkaGroup == "" || producer == nil {
		return nil, nil
	}

	consumer, err := kafka.NewConsumerWithDLQ(
		splitBrokerList(cfg.KafkaBrokers),
		cfg.KafkaGroup,
		[]string{kafka.TopicOrderEvents},
		newEventMonitorHandler(logger.WithField("layer", "event-monitor")),
		producer,
		eventMonitorMaxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("init event monitor: %w", err)
	}

	logger.WithField("group", cfg.KafkaGroup).Info("event monitor subscribed to order events")
	return consumer, nil
}

// newEventMonitorHandler разбирает конверт события и пишет его в лог.
// Ошибка разбора возвращается наружу: consumer отправит сообщение в DLQ.
func newEventMonitorHandler(logger *log.Entry) kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := kafka.ParseEnvelope(message)
		if err != nil {
			return err
		}

		fields := log.Fields{
			"event_type":     envelope.EventType,
			"aggregate_type": envelope.AggregateType,
			"aggregate_id":   envelope.AggregateID,
		}

		if envelope.EventType == string(kafka.EventTypeOrderStatusChanged) {
			var payload kafka.StatusChangedPayload
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				return fmt.Errorf("unmarshal status change payload: %w", err)
			}
			fields["order_no"] = payload.OrderNo
			fields["old_status"] = payload.OldStatus
			fields["new_status"] = payload.NewStatus
		}

		logger.WithFields(fields).Info("order event observed")
		return nil
	}
}

func stopEventMonitor(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop event monitor")
	}
}
