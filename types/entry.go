package types

import (
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/state"
)

// Entry is a single row of the job queue.
type Entry struct {
	ID           int64        `db:"id" json:"id"`
	Class        string       `db:"class" json:"class"`
	Arguments    Arguments    `db:"arguments" json:"arguments"`
	Queue        string       `db:"queue" json:"queue"`
	BlockUUID    *string      `db:"block_uuid" json:"block_uuid,omitempty"`
	Index        *int         `db:"job_index" json:"index,omitempty"`
	SequentialID *int64       `db:"sequencial_id" json:"sequencial_id,omitempty"`
	Canonical    *string      `db:"canonical" json:"canonical,omitempty"`
	DispatchAt   *time.Time   `db:"dispatch_after" json:"dispatch_after,omitempty"`
	Status       state.Status `db:"status" json:"status"`
	Hostname     *string      `db:"hostname" json:"hostname,omitempty"`
	StartedAt    *time.Time   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	Duration     *int64       `db:"duration" json:"duration,omitempty"` // milliseconds
	Response     *string      `db:"response" json:"response,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	StackTrace   *string      `db:"error_stack_trace" json:"error_stack_trace,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// HasPredecessors reports whether the entry waits on a previous index of its block.
func (e *Entry) HasPredecessors() bool {
	return e.Index != nil && e.BlockUUID != nil
}

// Block returns the block uuid or an empty string.
func (e *Entry) Block() string {
	if e.BlockUUID == nil {
		return ""
	}
	return *e.BlockUUID
}

// EntrySpec is what a producer submits to create an entry.
type EntrySpec struct {
	Class         string     `json:"class"`
	Queue         string     `json:"queue"`
	Arguments     Arguments  `json:"arguments,omitempty"`
	Index         *int       `json:"index,omitempty"`
	BlockUUID     *string    `json:"block_uuid,omitempty"`
	Canonical     *string    `json:"canonical,omitempty"`
	DispatchAfter *time.Time `json:"dispatch_after,omitempty"`
}
