// Package policy classifies failures of external API calls into retry,
// ignore and fatal outcomes.
package policy

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Policy is supplied per external API family.
type Policy interface {
	// ShouldRetry reports transient failures worth a corrective action and a retry.
	ShouldRetry(err error) bool
	// Correct runs the corrective action for a failure ShouldRetry accepted.
	Correct(ctx context.Context, err error)
	// IgnoreRequestException reports expected failures that count as success.
	IgnoreRequestException(err error) bool
	// ResolveRequestException is the diagnostic hook for a request failure about to become fatal.
	ResolveRequestException(ctx context.Context, err error)
	// IgnoreException and ResolveException are the fallbacks for any error.
	IgnoreException(err error) bool
	ResolveException(ctx context.Context, err error)
}

// CodePolicy classifies APIError values by exchange error code.
type CodePolicy struct {
	Name        string
	RetryCodes  []int
	IgnoreCodes []int

	// OnRetry is the corrective action for retryable codes.
	OnRetry func(ctx context.Context, apiErr *APIError)
	// Ignore, when set, is consulted by IgnoreException for arbitrary errors.
	Ignore func(err error) bool

	Logger *slog.Logger
}

var _ Policy = (*CodePolicy)(nil)

func (p *CodePolicy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *CodePolicy) codeIn(err error, codes []int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code == 0 {
		return false
	}
	return slices.Contains(codes, apiErr.Code)
}

func (p *CodePolicy) ShouldRetry(err error) bool {
	return p.codeIn(err, p.RetryCodes)
}

func (p *CodePolicy) Correct(ctx context.Context, err error) {
	apiErr, ok := AsAPIError(err)
	if !ok || p.OnRetry == nil {
		return
	}
	p.OnRetry(ctx, apiErr)
}

func (p *CodePolicy) IgnoreRequestException(err error) bool {
	return p.codeIn(err, p.IgnoreCodes)
}

func (p *CodePolicy) ResolveRequestException(ctx context.Context, err error) {
	attrs := []any{"policy", p.Name, "error", err}
	if apiErr, ok := AsAPIError(err); ok {
		attrs = append(attrs, "status", apiErr.Status, "code", apiErr.Code, "body", string(apiErr.Body))
	}
	p.logger().WarnContext(ctx, "api request failed", attrs...)
}

func (p *CodePolicy) IgnoreException(err error) bool {
	return p.Ignore != nil && p.Ignore(err)
}

func (p *CodePolicy) ResolveException(ctx context.Context, err error) {
	p.logger().ErrorContext(ctx, "job failed", "policy", p.Name, "error", err)
}

// Default is used for errors that do not name a registered api system.
func Default(logger *slog.Logger) *CodePolicy {
	return &CodePolicy{Name: "default", Logger: logger}
}

// Registry maps api systems to their policy.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

func NewRegistry(fallback Policy) *Registry {
	if fallback == nil {
		fallback = Default(nil)
	}
	return &Registry{
		policies: make(map[string]Policy),
		fallback: fallback,
	}
}

func (r *Registry) Register(apiSystem string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[apiSystem] = p
}

// Get returns the policy registered for apiSystem or the fallback.
func (r *Registry) Get(apiSystem string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[apiSystem]; ok {
		return p
	}
	return r.fallback
}

// For picks the policy of the api system named by err's APIError.
func (r *Registry) For(err error) Policy {
	if apiErr, ok := AsAPIError(err); ok {
		return r.Get(apiErr.APISystem)
	}
	return r.fallback
}
