package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/soundmind/composer-be/internal/worker/domain"
)

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Bound unacknowledged deliveries per consumer so a slow composition
	// doesn't pile up in-flight messages
	err := channel.Qos(
		w.prefetchCount, // prefetch count from config
		0,               // prefetch size
		false,           // global
	)

	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	consumerTag := w.workerID

	// auto-ack: false (messages are acknowledged only after a terminal
	// track state is persisted)
	deliveries, err := w.rabbitClient.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("queue", w.rabbitMQQueueName),
	)

	return deliveries, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches tracks to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg domain.DispatchMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse dispatch message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages can never succeed - drop without requeue
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.TrackID); err != nil {
				w.logger.Error("Invalid track_id in dispatch message",
					slog.String("track_id", msg.TrackID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK message with invalid track_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.tracksChan <- &msg:
				w.logger.Debug("Track dispatched to worker pool",
					slog.String("track_id", msg.TrackID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching track")
				// NACK so the message is redelivered after restart
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
