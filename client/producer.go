// Package client is the producer side of the queue: it submits entry specs
// directly to the store or through the message broker, and builds ordered
// job graphs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RezaEskandarii/tradeflow/internal/broker"
	"github.com/RezaEskandarii/tradeflow/internal/constants"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

var ErrNoBroker = errors.New("client: queue writer is not configured")

type Producer struct {
	store      store.QueueStore
	broker     broker.MessageBroker
	routingKey string
	logger     *slog.Logger
}

type ProducerOption func(*Producer)

// WithQueueWriter makes Submit publish specs to the broker instead of inserting them.
func WithQueueWriter(b broker.MessageBroker, routingKey string) ProducerOption {
	return func(p *Producer) {
		p.broker = b
		p.routingKey = routingKey
	}
}

func WithLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) { p.logger = logger }
}

func NewProducer(s store.QueueStore, opts ...ProducerOption) *Producer {
	p := &Producer{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalize(spec types.EntrySpec) types.EntrySpec {
	if spec.Queue == "" {
		spec.Queue = constants.DefaultQueue
	}
	return spec
}

// Create inserts a pending entry and returns its id.
func (p *Producer) Create(ctx context.Context, spec types.EntrySpec) (int64, error) {
	id, err := p.store.Create(ctx, normalize(spec))
	if err != nil {
		p.logger.ErrorContext(ctx, "create entry failed", "class", spec.Class, "error", err)
		return 0, err
	}
	return id, nil
}

// CreateMany inserts every spec atomically.
func (p *Producer) CreateMany(ctx context.Context, specs []types.EntrySpec) ([]int64, error) {
	normalized := make([]types.EntrySpec, len(specs))
	for i, spec := range specs {
		normalized[i] = normalize(spec)
	}
	ids, err := p.store.BulkCreate(ctx, normalized)
	if err != nil {
		p.logger.ErrorContext(ctx, "create entries failed", "count", len(specs), "error", err)
		return nil, err
	}
	return ids, nil
}

// Publish hands the entry spec to the broker. The entry is persisted later by a
// QueueSyncWorker, so no id is known yet.
func (p *Producer) Publish(ctx context.Context, spec types.EntrySpec) error {
	if p.broker == nil {
		return ErrNoBroker
	}
	body, err := json.Marshal(normalize(spec))
	if err != nil {
		return fmt.Errorf("encode spec %s: %w", spec.Class, err)
	}
	if err := p.broker.Publish(ctx, p.routingKey, body); err != nil {
		return fmt.Errorf("publish spec %s: %w", spec.Class, err)
	}
	return nil
}

// Submit publishes through the queue writer when one is configured and
// inserts directly otherwise. The returned id is zero for published specs.
func (p *Producer) Submit(ctx context.Context, spec types.EntrySpec) (int64, error) {
	if p.broker != nil {
		return 0, p.Publish(ctx, spec)
	}
	return p.Create(ctx, spec)
}
