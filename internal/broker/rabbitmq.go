package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/RezaEskandarii/tradeflow/types/config"
)

const consumeBuffer = 1000

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     config.RabbitMQConfig
	logger  *slog.Logger
}

// NewRabbitMQ dials the server and declares the exchange, the queue and their binding.
func NewRabbitMQ(cfg config.RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	closeAll := func(err error) (*RabbitMQ, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return closeAll(fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err))
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return closeAll(fmt.Errorf("declare queue %q: %w", cfg.Queue, err))
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return closeAll(fmt.Errorf("bind queue %q: %w", cfg.Queue, err))
	}

	return &RabbitMQ{conn: conn, channel: ch, cfg: cfg, logger: logger}, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, message []byte) error {
	if routingKey == "" {
		routingKey = r.cfg.RoutingKey
	}
	return r.channel.PublishWithContext(ctx, r.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  r.cfg.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         message,
	})
}

// Consume hands deliveries over unacknowledged. At most consumeBuffer
// deliveries are outstanding at once; anything unsettled when the channel
// closes is requeued by the server.
func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if queue == "" {
		queue = r.cfg.Queue
	}
	if err := r.channel.Qos(consumeBuffer, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch on %q: %w", queue, err)
	}
	msgs, err := r.channel.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	out := make(chan Delivery, consumeBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d := NewDelivery(msg.Body,
					func() error { return msg.Ack(false) },
					func(requeue bool) error { return msg.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					if err := msg.Nack(false, true); err != nil {
						r.logger.Warn("rabbitmq nack failed", "queue", queue, "error", err)
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
