package state

import (
	"testing"
)

func TestJobStatus_ClientState(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{
			name:     "Queued maps to running",
			status:   StatusQueued,
			expected: "running",
		},
		{
			name:     "Running maps to running",
			status:   StatusRunning,
			expected: "running",
		},
		{
			name:     "Complete maps to complete",
			status:   StatusComplete,
			expected: "complete",
		},
		{
			name:     "Error maps to failed",
			status:   StatusError,
			expected: "failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.ClientState()
			if result != tt.expected {
				t.Errorf("ClientState() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	if StatusQueued.Terminal() || StatusRunning.Terminal() {
		t.Error("queued/running must not be terminal")
	}
	if !StatusComplete.Terminal() || !StatusError.Terminal() {
		t.Error("complete/error must be terminal")
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{
			name:     "Valid: Queued to Running",
			from:     StatusQueued,
			to:       StatusRunning,
			expected: true,
		},
		{
			name:     "Valid: Queued to Error (hard timeout)",
			from:     StatusQueued,
			to:       StatusError,
			expected: true,
		},
		{
			name:     "Valid: Running to Running (heartbeat)",
			from:     StatusRunning,
			to:       StatusRunning,
			expected: true,
		},
		{
			name:     "Valid: Running to Complete",
			from:     StatusRunning,
			to:       StatusComplete,
			expected: true,
		},
		{
			name:     "Valid: Running to Error",
			from:     StatusRunning,
			to:       StatusError,
			expected: true,
		},
		{
			name:     "Invalid: Queued to Complete",
			from:     StatusQueued,
			to:       StatusComplete,
			expected: false,
		},
		{
			name:     "Invalid: Complete to Running",
			from:     StatusComplete,
			to:       StatusRunning,
			expected: false,
		},
		{
			name:     "Invalid: Error to Running",
			from:     StatusError,
			to:       StatusRunning,
			expected: false,
		},
		{
			name:     "Invalid: Complete to Error",
			from:     StatusComplete,
			to:       StatusError,
			expected: false,
		},
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
