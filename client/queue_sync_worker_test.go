package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/tradeflow/client"
	"github.com/RezaEskandarii/tradeflow/client/mocks"
	"github.com/RezaEskandarii/tradeflow/internal/broker"
	"github.com/RezaEskandarii/tradeflow/types"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]types.EntrySpec
}

func (r *batchRecorder) bulkCreate(ctx context.Context, specs []types.EntrySpec) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]types.EntrySpec(nil), specs...))
	return make([]int64, len(specs)), nil
}

func (r *batchRecorder) snapshot() [][]types.EntrySpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.EntrySpec(nil), r.batches...)
}

// settleLog records how each delivery was settled, keyed by body.
type settleLog struct {
	mu       sync.Mutex
	acked    []string
	requeued []string
	rejected []string
}

func (l *settleLog) delivery(body string) broker.Delivery {
	return broker.NewDelivery([]byte(body),
		func() error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.acked = append(l.acked, body)
			return nil
		},
		func(requeue bool) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if requeue {
				l.requeued = append(l.requeued, body)
			} else {
				l.rejected = append(l.rejected, body)
			}
			return nil
		},
	)
}

func (l *settleLog) counts() (acked, requeued, rejected int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.acked), len(l.requeued), len(l.rejected)
}

func brokerOf(ch chan broker.Delivery) *mocks.MockMessageBroker {
	return &mocks.MockMessageBroker{
		ConsumeFunc: func(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
			return ch, nil
		},
	}
}

func TestQueueSyncWorker_FlushesOnBatchSize(t *testing.T) {
	rec := &batchRecorder{}
	log := &settleLog{}
	ch := make(chan broker.Delivery, 10)
	ch <- log.delivery(`{"class":"A"}`)
	ch <- log.delivery(`{"class":"B","queue":"orders"}`)
	ch <- log.delivery(`{"class":"C"}`)
	close(ch)

	w := client.NewQueueSyncWorker(&mocks.MockQueueStore{BulkCreateFunc: rec.bulkCreate}, brokerOf(ch), "entries",
		client.WithBatchSize(2))
	require.NoError(t, w.Run(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, "default", batches[0][0].Queue)
	assert.Equal(t, "orders", batches[0][1].Queue)
	assert.Equal(t, "C", batches[1][0].Class)

	acked, requeued, _ := log.counts()
	assert.Equal(t, 3, acked)
	assert.Zero(t, requeued)
}

func TestQueueSyncWorker_DropsInvalidMessages(t *testing.T) {
	rec := &batchRecorder{}
	log := &settleLog{}
	ch := make(chan broker.Delivery, 10)
	ch <- log.delivery(`not json`)
	ch <- log.delivery(`{"queue":"orders"}`)
	ch <- log.delivery(`{"class":"A"}`)
	close(ch)

	w := client.NewQueueSyncWorker(&mocks.MockQueueStore{BulkCreateFunc: rec.bulkCreate}, brokerOf(ch), "entries")
	require.NoError(t, w.Run(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "A", batches[0][0].Class)

	acked, _, rejected := log.counts()
	assert.Equal(t, 1, acked)
	assert.Equal(t, 2, rejected)
}

func TestQueueSyncWorker_FlushesOnInterval(t *testing.T) {
	rec := &batchRecorder{}
	log := &settleLog{}
	ch := make(chan broker.Delivery, 10)
	ch <- log.delivery(`{"class":"A"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := client.NewQueueSyncWorker(&mocks.MockQueueStore{BulkCreateFunc: rec.bulkCreate}, brokerOf(ch), "entries",
		client.WithFlushInterval(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestQueueSyncWorker_FlushesOnCancel(t *testing.T) {
	rec := &batchRecorder{}
	log := &settleLog{}
	ch := make(chan broker.Delivery, 10)

	ctx, cancel := context.WithCancel(context.Background())
	w := client.NewQueueSyncWorker(&mocks.MockQueueStore{BulkCreateFunc: rec.bulkCreate}, brokerOf(ch), "entries")
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	ch <- log.delivery(`{"class":"A"}`)
	assert.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, time.Millisecond)
	// the message has left the channel but may still be on its way into the batch
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "A", batches[0][0].Class)
}

func TestQueueSyncWorker_ConsumeError(t *testing.T) {
	b := &mocks.MockMessageBroker{
		ConsumeFunc: func(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
			return nil, errors.New("no channel")
		},
	}
	err := client.NewQueueSyncWorker(&mocks.MockQueueStore{}, b, "entries").Run(context.Background())
	assert.Error(t, err)
}

func TestQueueSyncWorker_FailedInsertRequeuesBatch(t *testing.T) {
	log := &settleLog{}
	ch := make(chan broker.Delivery, 10)
	ch <- log.delivery(`{"class":"A"}`)
	ch <- log.delivery(`{"class":"B"}`)
	ch <- log.delivery(`{"class":"C"}`)
	close(ch)

	store := &mocks.MockQueueStore{BulkCreateFunc: func(context.Context, []types.EntrySpec) ([]int64, error) {
		return nil, errors.New("connection refused")
	}}
	w := client.NewQueueSyncWorker(store, brokerOf(ch), "entries", client.WithBatchSize(2))
	require.NoError(t, w.Run(context.Background()))

	acked, requeued, rejected := log.counts()
	assert.Zero(t, acked)
	assert.Equal(t, 3, requeued)
	assert.Zero(t, rejected)
}

func TestQueueSyncWorker_UnflushedDeliveriesStayUnacked(t *testing.T) {
	log := &settleLog{}
	ch := make(chan broker.Delivery, 10)
	started := make(chan struct{})
	release := make(chan struct{})

	store := &mocks.MockQueueStore{BulkCreateFunc: func(ctx context.Context, specs []types.EntrySpec) ([]int64, error) {
		close(started)
		<-release
		return make([]int64, len(specs)), nil
	}}
	w := client.NewQueueSyncWorker(store, brokerOf(ch), "entries", client.WithBatchSize(1))
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	ch <- log.delivery(`{"class":"A"}`)
	<-started
	acked, _, _ := log.counts()
	assert.Zero(t, acked)

	close(release)
	close(ch)
	require.NoError(t, <-done)
	acked, _, _ = log.counts()
	assert.Equal(t, 1, acked)
}
