// Package broker carries entry specs from producers to the worker fleet when
// the queue writer is enabled.
package broker

import "context"

type MessageBroker interface {
	// Publish sends one message. An empty routing key uses the broker's default.
	Publish(ctx context.Context, routingKey string, message []byte) error
	// Consume streams deliveries from queue until ctx is done or the broker
	// closes. Each delivery stays unacknowledged until the consumer settles it.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// Delivery is one consumed message. The consumer must call Ack once the
// message is persisted, or Nack to hand it back.
type Delivery struct {
	Body []byte

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery wraps body with the broker's settle callbacks. Nil callbacks
// are no-ops.
func NewDelivery(body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, ack: ack, nack: nack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}
