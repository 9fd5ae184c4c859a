package client

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/RezaEskandarii/tradeflow/types"
)

var ErrEmptyGraph = errors.New("client: graph has no entries")

// Graph builds one block of entries. Each Then opens the next index, so its
// entries wait until every entry of the previous index is complete.
type Graph struct {
	producer *Producer
	block    string
	queue    string
	index    int
	specs    []types.EntrySpec
}

type SpecOption func(*types.EntrySpec)

func WithCanonical(canonical string) SpecOption {
	return func(s *types.EntrySpec) { s.Canonical = &canonical }
}

func WithDispatchAfter(at time.Time) SpecOption {
	return func(s *types.EntrySpec) { s.DispatchAfter = &at }
}

// NewGraph starts a block with a fresh uuid. An empty queue means the default queue.
func (p *Producer) NewGraph(queue string) *Graph {
	return &Graph{
		producer: p,
		block:    uuid.NewString(),
		queue:    queue,
		index:    -1,
	}
}

func (g *Graph) BlockUUID() string { return g.block }

// Then adds an entry at the next index.
func (g *Graph) Then(class string, args types.Arguments, opts ...SpecOption) *Graph {
	g.index++
	return g.add(class, args, opts)
}

// Also adds a sibling at the current index. On an empty graph it behaves like Then.
func (g *Graph) Also(class string, args types.Arguments, opts ...SpecOption) *Graph {
	if g.index < 0 {
		g.index = 0
	}
	return g.add(class, args, opts)
}

func (g *Graph) add(class string, args types.Arguments, opts []SpecOption) *Graph {
	index := g.index
	block := g.block
	spec := types.EntrySpec{
		Class:     class,
		Queue:     g.queue,
		Arguments: args,
		Index:     &index,
		BlockUUID: &block,
	}
	for _, opt := range opts {
		opt(&spec)
	}
	g.specs = append(g.specs, spec)
	return g
}

func (g *Graph) Specs() []types.EntrySpec {
	out := make([]types.EntrySpec, len(g.specs))
	copy(out, g.specs)
	return out
}

// Dispatch inserts every entry of the graph in one transaction.
func (g *Graph) Dispatch(ctx context.Context) ([]int64, error) {
	if len(g.specs) == 0 {
		return nil, ErrEmptyGraph
	}
	return g.producer.CreateMany(ctx, g.specs)
}
