package state

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusComplete,
	StatusFailed,
}

type Transition struct {
	From Status
	To   Status
}

// ValidTransitions lists every edge of the entry lifecycle. Reset edges
// (to pending) are allowed from pending itself so that reset stays idempotent.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusRunning},
	{From: StatusRunning, To: StatusComplete},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusPending},
	{From: StatusFailed, To: StatusPending},
	{From: StatusPending, To: StatusPending},
}

func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CanReset reports whether an entry observed in status s may be returned to pending.
func CanReset(s Status) bool {
	return IsValidTransition(s, StatusPending)
}
