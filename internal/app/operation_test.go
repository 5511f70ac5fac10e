package app

import (
	"errors"
	"testing"
	"time"

	"worktrace/internal/testutil"
)

func TestNewOperation(t *testing.T) {
	clock := testutil.FixedClock()
	op := NewOperation("run", clock)

	if op.ID != "20240115T103000Z" {
		t.Errorf("ID = %q, want %q", op.ID, "20240115T103000Z")
	}
	if op.Command != "run" {
		t.Errorf("Command = %q, want %q", op.Command, "run")
	}
	if op.Status != "success" {
		t.Errorf("Status = %q, want %q", op.Status, "success")
	}
}

func TestOperation_Finish(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{name: "success", err: nil, wantStatus: "success"},
		{name: "failure", err: errors.New("remote down"), wantStatus: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testutil.FixedClock()
			op := NewOperation("sync", clock)

			elapsed := op.Finish(tt.err, op.Started.Add(3*time.Second))
			if elapsed != 3*time.Second {
				t.Errorf("Finish() = %v, want 3s", elapsed)
			}
			if op.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", op.Status, tt.wantStatus)
			}
		})
	}
}
