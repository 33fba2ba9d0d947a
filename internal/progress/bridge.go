package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"genbatch/shared/rabbitmq"
)

const publishTimeout = 5 * time.Second

// AMQPSink republishes progress events to a RabbitMQ fanout exchange so
// that the API service (and any other consumer) can relay them. Publishing
// is best-effort: a broker hiccup is logged, never propagated to the
// worker.
type AMQPSink struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

func NewAMQPSink(client *rabbitmq.Client, logger *slog.Logger) *AMQPSink {
	return &AMQPSink{client: client, logger: logger}
}

func (s *AMQPSink) Publish(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to encode progress event",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, body, "application/json"); err != nil {
		s.logger.Warn("Failed to publish progress event to RabbitMQ",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
}

// RunRelay consumes progress events from RabbitMQ and feeds them into the
// local hub. It blocks until ctx is done or the delivery channel closes.
// Malformed messages are acked and dropped.
func RunRelay(ctx context.Context, client *rabbitmq.Client, hub *Hub, consumerTag string, logger *slog.Logger) error {
	deliveries, err := client.Consume(consumerTag)
	if err != nil {
		return err
	}

	logger.Info("Progress relay started",
		slog.String("consumer_tag", consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Progress relay stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("Progress relay delivery channel closed")
				return nil
			}

			var ev Event
			if err := json.Unmarshal(delivery.Body, &ev); err != nil || ev.JobID == "" {
				logger.Error("Dropping malformed progress message",
					slog.Any("error", err),
				)
				_ = delivery.Ack(false)
				continue
			}

			hub.Publish(ev)
			if err := delivery.Ack(false); err != nil {
				logger.Error("Failed to ack progress message",
					slog.String("job_id", ev.JobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
