package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/broker"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

const (
	DefaultSyncBatchSize     = 1000
	DefaultSyncFlushInterval = 20 * time.Second
)

// QueueSyncWorker drains published specs from the broker into the store in batches.
type QueueSyncWorker struct {
	store         store.QueueStore
	broker        broker.MessageBroker
	queue         string
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
}

type SyncOption func(*QueueSyncWorker)

func WithBatchSize(n int) SyncOption {
	return func(w *QueueSyncWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) SyncOption {
	return func(w *QueueSyncWorker) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(w *QueueSyncWorker) { w.logger = logger }
}

func NewQueueSyncWorker(s store.QueueStore, b broker.MessageBroker, queue string, opts ...SyncOption) *QueueSyncWorker {
	w := &QueueSyncWorker{
		store:         s,
		broker:        b,
		queue:         queue,
		batchSize:     DefaultSyncBatchSize,
		flushInterval: DefaultSyncFlushInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done or the broker closes the stream, flushing
// whatever is buffered before it returns. Deliveries are acknowledged only
// after their batch is stored; a failed insert hands the batch back to the
// broker for redelivery.
func (w *QueueSyncWorker) Run(ctx context.Context) error {
	msgs, err := w.broker.Consume(ctx, w.queue)
	if err != nil {
		return err
	}
	w.logger.Info("queue sync worker started", "queue", w.queue, "batch_size", w.batchSize)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]types.EntrySpec, 0, w.batchSize)
	pending := make([]broker.Delivery, 0, w.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		ids, err := w.store.BulkCreate(ctx, batch)
		if err != nil {
			w.logger.Error("bulk insert of published specs failed, requeueing", "count", len(batch), "error", err)
			w.settle(pending, func(d broker.Delivery) error { return d.Nack(true) })
		} else {
			w.logger.Info("inserted published specs", "count", len(ids))
			w.settle(pending, broker.Delivery.Ack)
		}
		batch = batch[:0]
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return nil
		case d, ok := <-msgs:
			if !ok {
				flush(ctx)
				return nil
			}
			spec, ok := w.decode(d.Body)
			if !ok {
				w.settle([]broker.Delivery{d}, func(d broker.Delivery) error { return d.Nack(false) })
				continue
			}
			batch = append(batch, spec)
			pending = append(pending, d)
			if len(batch) >= w.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (w *QueueSyncWorker) settle(deliveries []broker.Delivery, fn func(broker.Delivery) error) {
	for _, d := range deliveries {
		if err := fn(d); err != nil {
			w.logger.Warn("settling delivery failed", "queue", w.queue, "error", err)
		}
	}
}

// decode rejects messages that would make the whole batch fail to insert.
func (w *QueueSyncWorker) decode(msg []byte) (types.EntrySpec, bool) {
	var spec types.EntrySpec
	if err := json.Unmarshal(msg, &spec); err != nil {
		w.logger.Warn("dropping undecodable spec", "error", err)
		return spec, false
	}
	if spec.Class == "" {
		w.logger.Warn("dropping spec without class")
		return spec, false
	}
	return normalize(spec), true
}
