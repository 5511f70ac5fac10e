package testutil

import (
	"context"
	"sync"

	"worktrace/internal/model"
	"worktrace/internal/wt"
)

// RemoteCall records one InsertBatch invocation.
type RemoteCall struct {
	Table wt.Table
	IDs   []string
}

// StubRemote records every batch upload. Respond, when set, decides the
// outcome of each call; n is the 1-based index of the call.
type StubRemote struct {
	Respond func(n int, table wt.Table, ids []string) error

	mu    sync.Mutex
	calls []RemoteCall
}

func NewStubRemote() *StubRemote {
	return &StubRemote{}
}

func (r *StubRemote) InsertBatch(ctx context.Context, table wt.Table, rows []model.Row) error {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.RowID()
	}

	r.mu.Lock()
	r.calls = append(r.calls, RemoteCall{Table: table, IDs: ids})
	n := len(r.calls)
	respond := r.Respond
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if respond != nil {
		return respond(n, table, ids)
	}
	return nil
}

// Calls returns a copy of the recorded calls.
func (r *StubRemote) Calls() []RemoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemoteCall(nil), r.calls...)
}

var _ wt.Remote = (*StubRemote)(nil)
