package policy

import (
	"context"
	"log/slog"
	"sync"
)

const (
	Binance = "binance"
	Taapi   = "taapi"

	skewStepMs = 250
)

// Binance error codes.
const (
	CodeTimestampOutsideRecvWindow = -1021
	CodeNoNeedToChangeMarginType   = -4046
	CodeNoNeedToChangePositionSide = -4059
)

// SkewCorrector tracks a per api system safety margin, in milliseconds, that
// request signers subtract from their timestamps.
type SkewCorrector struct {
	mu      sync.Mutex
	step    int64
	max     int64
	margins map[string]int64
}

func NewSkewCorrector(stepMs, maxMs int64) *SkewCorrector {
	if stepMs <= 0 {
		stepMs = skewStepMs
	}
	return &SkewCorrector{
		step:    stepMs,
		max:     maxMs,
		margins: make(map[string]int64),
	}
}

// Bump widens the margin of apiSystem by one step and returns the new margin.
func (s *SkewCorrector) Bump(apiSystem string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.margins[apiSystem] + s.step
	if s.max > 0 && m > s.max {
		m = s.max
	}
	s.margins[apiSystem] = m
	return m
}

func (s *SkewCorrector) Margin(apiSystem string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.margins[apiSystem]
}

// NewBinancePolicy retries clock skew rejections after widening the skew
// margin and ignores "nothing to change" answers from the futures API.
func NewBinancePolicy(skew *SkewCorrector, logger *slog.Logger) *CodePolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodePolicy{
		Name:        Binance,
		RetryCodes:  []int{CodeTimestampOutsideRecvWindow},
		IgnoreCodes: []int{CodeNoNeedToChangeMarginType, CodeNoNeedToChangePositionSide},
		OnRetry: func(ctx context.Context, apiErr *APIError) {
			margin := skew.Bump(apiErr.APISystem)
			logger.InfoContext(ctx, "widened clock skew margin", "api_system", apiErr.APISystem, "margin_ms", margin)
		},
		Logger: logger,
	}
}

// NewTaapiPolicy covers the indicator data vendor, which has no retry or ignore codes.
func NewTaapiPolicy(logger *slog.Logger) *CodePolicy {
	return &CodePolicy{Name: Taapi, Logger: logger}
}
