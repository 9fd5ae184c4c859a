package types

import "time"

type RateLimitKind string

const (
	// KindThrottle is an account-scoped denial that lifts at RetryAfter.
	KindThrottle RateLimitKind = "throttle"
	// KindForbid is a host-wide ban for an api system with no known lift time.
	KindForbid RateLimitKind = "forbid"
)

// RateLimitRecord is keyed by (AccountID, APISystem, Hostname, Kind).
type RateLimitRecord struct {
	ID         int64         `db:"id" json:"id"`
	AccountID  int64         `db:"account_id" json:"account_id"`
	APISystem  string        `db:"api_system" json:"api_system"`
	Hostname   string        `db:"hostname" json:"hostname"`
	Kind       RateLimitKind `db:"kind" json:"kind"`
	RetryAfter *time.Time    `db:"retry_after" json:"retry_after,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}
