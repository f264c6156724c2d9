package service

import "time"

// Status is the runtime lifecycle state of a supervised child.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusCrashed    Status = "crashed"
	StatusRestarting Status = "restarting"
)

// RuntimeState is a point-in-time snapshot of a supervisor.
type RuntimeState struct {
	Status       Status    `json:"status"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	RestartCount int       `json:"restartCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// Backoff parameters for crash restarts.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// RestartBackoff returns the delay before automatic restart attempt n,
// following min(1s * 2^n, 30s). The delay is monotonically non-decreasing
// in n and capped at 30 seconds.
func RestartBackoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := backoffBase
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}
