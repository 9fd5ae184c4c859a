package policy

import "context"

type Outcome int

const (
	// Raise means the error is fatal for the job.
	Raise Outcome = iota
	// Ignore means the failure counts as a successful completion.
	Ignore
	// Retry means the corrective action ran and the job should be re-queued.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	default:
		return "raise"
	}
}

// Local holds a job's own request error hooks. Nil funcs are skipped.
type Local struct {
	Ignore  func(err error) bool
	Resolve func(ctx context.Context, err error)
}

// Evaluate classifies a request error. Ignore is checked first, local hook
// then global, so an error matching both ignore and retry rules is ignored.
// The resolve hooks run, local first, only for errors that end up fatal.
func Evaluate(ctx context.Context, err error, local Local, global Policy) Outcome {
	if local.Ignore != nil && local.Ignore(err) {
		return Ignore
	}
	if global.IgnoreRequestException(err) {
		return Ignore
	}

	if global.ShouldRetry(err) {
		global.Correct(ctx, err)
		return Retry
	}

	if local.Resolve != nil {
		local.Resolve(ctx, err)
	}
	global.ResolveRequestException(ctx, err)
	return Raise
}
