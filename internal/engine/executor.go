package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/job"
	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

// PanicError is a panic recovered from Compute.
type PanicError struct {
	Value any
	Stack []byte
	// Location is the file:line that panicked, when it could be found.
	Location string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Executor runs a claimed entry's job and records the outcome.
type Executor struct {
	store    store.QueueStore
	policies *policy.Registry
	now      func() time.Time
	logger   *slog.Logger
}

func NewExecutor(s store.QueueStore, policies *policy.Registry, now func() time.Time, logger *slog.Logger) *Executor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, policies: policies, now: now, logger: logger}
}

// Execute runs j for the running entry. Fatal errors are recorded with
// MarkFailed and returned; rescheduled and ignored outcomes return nil.
func (e *Executor) Execute(ctx context.Context, entry *types.Entry, j job.Job, jc *job.Context) error {
	result, err := e.compute(ctx, j, jc)
	log := e.logger.With("entry_id", entry.ID, "class", entry.Class)

	switch {
	case err == nil:
		response, encErr := encodeResponse(result)
		if encErr != nil {
			return e.fail(ctx, entry, encErr)
		}
		return e.complete(ctx, entry, response)

	case errors.Is(err, job.ErrIgnored):
		log.InfoContext(ctx, "entry completed with ignored error", "error", err)
		return e.complete(ctx, entry, nil)

	case errors.Is(err, job.ErrReschedule):
		ok, rerr := e.store.Reset(ctx, entry.ID, state.StatusRunning)
		if rerr != nil {
			return fmt.Errorf("reschedule entry %d: %w", entry.ID, rerr)
		}
		log.InfoContext(ctx, "entry rescheduled", "reason", err, "reset", ok)
		return nil
	}

	global := e.policies.For(err)
	if global.IgnoreException(err) {
		log.InfoContext(ctx, "entry completed with ignored error", "error", err)
		return e.complete(ctx, entry, nil)
	}
	global.ResolveException(ctx, err)
	return e.fail(ctx, entry, err)
}

func (e *Executor) compute(ctx context.Context, j job.Job, jc *job.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack(), Location: panicSite()}
		}
	}()
	return j.Compute(ctx, jc)
}

func (e *Executor) complete(ctx context.Context, entry *types.Entry, response *string) error {
	if err := e.store.MarkComplete(ctx, entry.ID, response, e.now()); err != nil {
		return fmt.Errorf("complete entry %d: %w", entry.ID, err)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, entry *types.Entry, cause error) error {
	if err := e.store.MarkFailed(ctx, entry.ID, errorMessage(cause), stackTrace(cause), e.now()); err != nil {
		return errors.Join(cause, fmt.Errorf("mark entry %d failed: %w", entry.ID, err))
	}
	return cause
}

func encodeResponse(result any) (*string, error) {
	var s string
	switch v := result.(type) {
	case nil:
		return nil, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case json.RawMessage:
		s = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		s = string(b)
	}
	return &s, nil
}

// errorMessage is cause's text followed by the source line it surfaced at,
// if known.
func errorMessage(cause error) string {
	msg := cause.Error()
	if loc := sourceLocation(cause); loc != "" {
		msg += " (at " + loc + ")"
	}
	return msg
}

func sourceLocation(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return p.Location
	}
	var located *job.SourceError
	if errors.As(err, &located) {
		return located.Location()
	}
	return ""
}

// panicSite finds the first frame below the runtime's panic machinery. It
// must be called from the deferred recover.
func panicSite() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	inRuntime := false
	for {
		f, more := frames.Next()
		if strings.HasPrefix(f.Function, "runtime.") {
			inRuntime = true
		} else if inRuntime {
			return fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		if !more {
			return ""
		}
	}
}

// stackTrace returns the recovered stack of a panic, or the chain of wrapped
// error types for ordinary errors.
func stackTrace(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return string(p.Stack)
	}

	var b strings.Builder
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		fmt.Fprintf(&b, "%T: %v\n", cur, cur)
	}
	return b.String()
}
