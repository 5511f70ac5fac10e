package app

import (
	"time"

	"worktrace/internal/wt"
)

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes.
type Operation struct {
	ID      string
	Command string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation starts an operation for command at the clock's current time.
func NewOperation(command string, clock wt.Clock) *Operation {
	started := clock.Now().UTC()
	return &Operation{
		ID:      started.Format("20060102T150405Z"),
		Command: command,
		Started: started,
		Status:  "success",
	}
}

// Finish records the outcome of the operation and returns its duration.
func (op *Operation) Finish(err error, now time.Time) time.Duration {
	if err != nil {
		op.Status = "error"
	}
	return now.Sub(op.Started)
}
