package syncer

import (
	"time"

	"worktrace/internal/wt"
)

// TableResult counts what one pass did with a table's rows.
type TableResult struct {
	Batches      int `json:"batches"`
	Uploaded     int `json:"uploaded"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`       // left for a later day by the API budget
	DeadLettered int `json:"dead_lettered"` // parked after repeated permanent rejections
	Discarded    int `json:"discarded"`     // screenshots whose media was gone before upload
}

// Failure records a batch abandoned for this pass.
type Failure struct {
	Table     wt.Table `json:"table"`
	Batch     int      `json:"batch"` // 1-based within the table
	IDs       []string `json:"ids"`
	Attempts  int      `json:"attempts"`
	Permanent bool     `json:"permanent"`
	Error     string   `json:"error"`
}

// Result summarizes one sync pass.
type Result struct {
	StartedAt       time.Time                 `json:"started_at"`
	FinishedAt      time.Time                 `json:"finished_at"`
	Tables          map[wt.Table]*TableResult `json:"tables"`
	Failures        []Failure                 `json:"failures,omitempty"`
	BudgetExhausted bool                      `json:"budget_exhausted"`
}

func newResult(start time.Time) *Result {
	r := &Result{StartedAt: start, Tables: make(map[wt.Table]*TableResult, len(wt.Tables))}
	for _, t := range wt.Tables {
		r.Tables[t] = &TableResult{}
	}
	return r
}

// Uploaded returns the number of rows marked synced across all tables.
func (r *Result) Uploaded() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Uploaded
	}
	return n
}

// Failed returns the number of rows left unsynced by failed batches.
func (r *Result) Failed() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Failed
	}
	return n
}
