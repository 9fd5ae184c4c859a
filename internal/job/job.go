// Package job defines what the engine runs. A job implements Compute and may
// opt into the optional hooks by implementing Authorizer,
// RequestErrorIgnorer or RequestErrorResolver; embedding Base provides
// no-op versions of all three. Jobs that call a rate limited API declare it
// through RateLimited, usually by embedding APIBase.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RezaEskandarii/tradeflow/types"
)

var (
	ErrUnknownClass = errors.New("job: unknown class")

	// ErrReschedule sends the entry back to pending without marking it failed.
	ErrReschedule = errors.New("job: reschedule")

	// ErrIgnored completes the entry without a stored response.
	ErrIgnored = errors.New("job: ignored")
)

type Job interface {
	// Compute returns the value stored as the entry's response. Strings and
	// byte slices are stored as is, anything else as JSON.
	Compute(ctx context.Context, jc *Context) (any, error)
}

// Authorizer is consulted before the entry is claimed. Returning false
// leaves the entry pending for a later pass.
type Authorizer interface {
	Authorize(ctx context.Context, jc *Context) (bool, error)
}

// RequestErrorIgnorer lets a job swallow request failures it expects.
type RequestErrorIgnorer interface {
	IgnoreRequestException(err error) bool
}

// RequestErrorResolver is the job's diagnostic hook for fatal request failures.
type RequestErrorResolver interface {
	ResolveRequestException(ctx context.Context, err error)
}

// RateLimited names the account and API system a job calls. The engine
// checks the rate limiter for that pair before the job is authorized or
// claimed, so a throttled or forbidden host never reaches Compute.
type RateLimited interface {
	RateLimit() (accountID int64, apiSystem string)
}

// Base implements every optional hook as a no-op.
type Base struct{}

func (Base) Authorize(context.Context, *Context) (bool, error) { return true, nil }
func (Base) IgnoreRequestException(error) bool { return false }
func (Base) ResolveRequestException(context.Context, error) {}

// APIBase is Base for jobs bound to one account on one API system.
type APIBase struct {
	Base
	AccountID int64
	APISystem string
}

func (b APIBase) RateLimit() (int64, string) { return b.AccountID, b.APISystem }

// Constructor builds a job from the entry's arguments.
type Constructor func(args types.Arguments) (Job, error)

type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

func (r *Registry) Register(class string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[class] = ctor
}

func (r *Registry) Exists(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[class]
	return ok
}

// New instantiates class with args.
func (r *Registry) New(class string, args types.Arguments) (Job, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	j, err := ctor(args)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", class, err)
	}
	return j, nil
}
