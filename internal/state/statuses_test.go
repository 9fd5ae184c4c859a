package state

import (
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected string
	}{
		{name: "Pending status", status: StatusPending, expected: "pending"},
		{name: "Running status", status: StatusRunning, expected: "running"},
		{name: "Complete status", status: StatusComplete, expected: "complete"},
		{name: "Failed status", status: StatusFailed, expected: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestStatus_Valid(t *testing.T) {
	if !StatusRunning.Valid() {
		t.Errorf("expected running to be valid")
	}
	if Status("queued").Valid() {
		t.Errorf("expected queued to be invalid")
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     Status
		to       Status
		expected bool
	}{
		{name: "Valid: Pending to Running", from: StatusPending, to: StatusRunning, expected: true},
		{name: "Valid: Running to Complete", from: StatusRunning, to: StatusComplete, expected: true},
		{name: "Valid: Running to Failed", from: StatusRunning, to: StatusFailed, expected: true},
		{name: "Valid: Running reset to Pending", from: StatusRunning, to: StatusPending, expected: true},
		{name: "Valid: Failed reset to Pending", from: StatusFailed, to: StatusPending, expected: true},
		{name: "Valid: Pending reset is idempotent", from: StatusPending, to: StatusPending, expected: true},
		{name: "Invalid: Pending to Complete", from: StatusPending, to: StatusComplete, expected: false},
		{name: "Invalid: Complete to Pending", from: StatusComplete, to: StatusPending, expected: false},
		{name: "Invalid: Failed to Running", from: StatusFailed, to: StatusRunning, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestCanReset(t *testing.T) {
	if CanReset(StatusComplete) {
		t.Errorf("complete entries must never be reset")
	}
	if !CanReset(StatusFailed) {
		t.Errorf("failed entries must be resettable")
	}
}
