package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"worktrace/internal/database"
	"worktrace/internal/media"
	"worktrace/internal/model"
	"worktrace/internal/testutil"
	"worktrace/internal/wt"
)

type fixture struct {
	store  *database.SQLiteStore
	remote *testutil.StubRemote
	media  *media.MemoryStore
	fs     afero.Fs
	clock  *testutil.StubClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.FixedClock()
	return &fixture{
		store:  testutil.NewTestStore(t, clock),
		remote: testutil.NewStubRemote(),
		media:  testutil.NewTestMediaStore(),
		fs:     afero.NewMemMapFs(),
		clock:  clock,
	}
}

func testOptions() Options {
	return Options{
		BatchSize:       50,
		MaxAttempts:     5,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		AttemptTimeout:  time.Second,
		DailyBudget:     1000,
		DeadLetterAfter: 2,
	}
}

func (f *fixture) engine(opts Options) *Engine {
	return New(f.store, f.remote, f.media, f.fs, opts, f.clock, wt.NewNopLogger(), nil)
}

func (f *fixture) insertLogs(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		l := &model.ActivityLog{
			ID:           fmt.Sprintf("log-%03d", i+1),
			UserID:       "u1",
			AppName:      "editor",
			ActivityKind: model.ActivityKeyboard,
		}
		if err := f.store.InsertActivityLog(context.Background(), l); err != nil {
			t.Fatalf("InsertActivityLog() error = %v", err)
		}
		ids[i] = l.ID
	}
	return ids
}

func (f *fixture) unsyncedIDs(t *testing.T, table wt.Table) []string {
	t.Helper()
	rows, err := f.store.ListUnsynced(context.Background(), table, 1000)
	if err != nil {
		t.Fatalf("ListUnsynced() error = %v", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.RowID()
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEngine_SyncOnce_BatchesInInsertionOrder(t *testing.T) {
	f := newFixture(t)
	ids := f.insertLogs(t, 120)

	res, err := f.engine(testOptions()).SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}

	calls := f.remote.Calls()
	if len(calls) != 3 {
		t.Fatalf("remote calls = %d, want 3", len(calls))
	}
	wantBatches := [][]string{ids[:50], ids[50:100], ids[100:]}
	for i, want := range wantBatches {
		if calls[i].Table != wt.TableActivityLogs {
			t.Errorf("call %d table = %s, want activity_logs", i, calls[i].Table)
		}
		if !equalIDs(calls[i].IDs, want) {
			t.Errorf("call %d ids = %v..., want %d rows starting at %s", i, calls[i].IDs[:1], len(want), want[0])
		}
	}

	tr := res.Tables[wt.TableActivityLogs]
	if tr.Uploaded != 120 || tr.Failed != 0 || tr.Batches != 3 {
		t.Errorf("TableResult = %+v, want 120 uploaded in 3 batches", tr)
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); len(got) != 0 {
		t.Errorf("ListUnsynced() = %d rows after sync, want 0", len(got))
	}
}

func TestEngine_SyncOnce_FailedBatchStaysUnsynced(t *testing.T) {
	f := newFixture(t)
	ids := f.insertLogs(t, 120)

	// Call 1 is batch 1, calls 2-6 are the five attempts at batch 2.
	f.remote.Respond = func(n int, table wt.Table, ids []string) error {
		if n >= 2 && n <= 6 {
			return &wt.RemoteError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}

	res, err := f.engine(testOptions()).SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}

	if n := len(f.remote.Calls()); n != 7 {
		t.Errorf("remote calls = %d, want 7", n)
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); !equalIDs(got, ids[50:100]) {
		t.Errorf("unsynced = %d rows, want exactly batch 2", len(got))
	}

	tr := res.Tables[wt.TableActivityLogs]
	if tr.Uploaded != 70 || tr.Failed != 50 {
		t.Errorf("TableResult = %+v, want 70 uploaded and 50 failed", tr)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("Failures = %+v, want one", res.Failures)
	}
	fail := res.Failures[0]
	if fail.Batch != 2 || fail.Attempts != 5 || fail.Permanent || !equalIDs(fail.IDs, ids[50:100]) {
		t.Errorf("Failure = batch %d, %d attempts, permanent %v", fail.Batch, fail.Attempts, fail.Permanent)
	}

	// The abandoned batch goes out again on the next pass.
	f.remote.Respond = nil
	if _, err := f.engine(testOptions()).SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce() error = %v", err)
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); len(got) != 0 {
		t.Errorf("unsynced after retry pass = %d, want 0", len(got))
	}
}

func TestEngine_SyncOnce_NoDoubleSync(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 10)
	e := f.engine(testOptions())

	if _, err := e.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	res, err := e.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("second SyncOnce() error = %v", err)
	}

	if n := len(f.remote.Calls()); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
	if res.Uploaded() != 0 {
		t.Errorf("second pass uploaded %d rows, want 0", res.Uploaded())
	}
}

func TestEngine_SyncOnce_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 60)

	var inFlight, maxInFlight atomic.Int32
	f.remote.Respond = func(n int, table wt.Table, ids []string) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	e := f.engine(testOptions())
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.SyncOnce(context.Background()); err != nil {
				t.Errorf("SyncOnce() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent uploads = %d, want 1", got)
	}
	seen := make(map[string]bool)
	for _, c := range f.remote.Calls() {
		for _, id := range c.IDs {
			if seen[id] {
				t.Errorf("row %s uploaded twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 60 {
		t.Errorf("uploaded %d distinct rows, want 60", len(seen))
	}
}

func TestEngine_SyncOnce_DailyBudget(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 120)
	opts := testOptions()
	opts.DailyBudget = 2
	e := f.engine(opts)

	res, err := e.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if !res.BudgetExhausted {
		t.Error("BudgetExhausted = false, want true")
	}
	tr := res.Tables[wt.TableActivityLogs]
	if tr.Uploaded != 100 || tr.Skipped != 20 || tr.Failed != 0 {
		t.Errorf("TableResult = %+v, want 100 uploaded and 20 skipped", tr)
	}
	if len(res.Failures) != 0 {
		t.Errorf("Failures = %+v, want none for a budget skip", res.Failures)
	}

	// Still exhausted later the same day, across a new engine.
	f.clock.Advance(time.Hour)
	res, err = f.engine(opts).SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if !res.BudgetExhausted || len(f.remote.Calls()) != 2 {
		t.Errorf("same-day pass made %d calls, budget exhausted %v", len(f.remote.Calls()), res.BudgetExhausted)
	}

	f.clock.Advance(24 * time.Hour)
	res, err = e.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if res.BudgetExhausted || res.Uploaded() != 20 {
		t.Errorf("next-day pass uploaded %d, exhausted %v; want 20 and false", res.Uploaded(), res.BudgetExhausted)
	}
	st, err := e.Budget(context.Background())
	if err != nil {
		t.Fatalf("Budget() error = %v", err)
	}
	if st.Used != 1 || st.Limit != 2 {
		t.Errorf("Budget() = %+v, want 1 of 2 used", st)
	}
}

func TestEngine_SyncOnce_RetriesCountAgainstBudget(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 10)
	opts := testOptions()
	opts.DailyBudget = 3
	f.remote.Respond = func(n int, table wt.Table, ids []string) error {
		return &wt.RemoteError{StatusCode: http.StatusBadGateway}
	}

	res, err := f.engine(opts).SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if n := len(f.remote.Calls()); n != 3 {
		t.Errorf("remote calls = %d, want 3", n)
	}
	if !res.BudgetExhausted {
		t.Error("BudgetExhausted = false, want true")
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); len(got) != 10 {
		t.Errorf("unsynced = %d, want 10", len(got))
	}
}

func TestEngine_SyncOnce_RejectedRowsDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 5)
	f.remote.Respond = func(n int, table wt.Table, ids []string) error {
		return &wt.RemoteError{StatusCode: http.StatusBadRequest, Body: "invalid input"}
	}
	e := f.engine(testOptions())
	ctx := context.Background()

	res, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if len(res.Failures) != 1 || !res.Failures[0].Permanent || res.Failures[0].Attempts != 1 {
		t.Fatalf("Failures = %+v, want one permanent failure after one attempt", res.Failures)
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); len(got) != 5 {
		t.Errorf("unsynced after first rejection = %d, want 5", len(got))
	}

	res, err = e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if got := res.Tables[wt.TableActivityLogs].DeadLettered; got != 5 {
		t.Errorf("DeadLettered = %d, want 5", got)
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); len(got) != 0 {
		t.Errorf("eligible after dead-letter = %d, want 0", len(got))
	}

	calls := len(f.remote.Calls())
	if _, err := e.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if n := len(f.remote.Calls()); n != calls {
		t.Errorf("dead-lettered rows were uploaded again (%d calls, want %d)", n, calls)
	}

	f.remote.Respond = nil
	if _, err := f.store.Requeue(ctx, wt.TableActivityLogs); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	res, err = e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if res.Uploaded() != 5 {
		t.Errorf("uploaded after requeue = %d, want 5", res.Uploaded())
	}
}

func TestEngine_SyncOnce_AttemptTimeoutIsRetried(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 3)
	opts := testOptions()
	opts.AttemptTimeout = 20 * time.Millisecond

	remote := &blockingRemote{blockFirst: 1}
	e := New(f.store, remote, nil, f.fs, opts, f.clock, wt.NewNopLogger(), nil)

	res, err := e.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if res.Uploaded() != 3 {
		t.Errorf("Uploaded() = %d, want 3", res.Uploaded())
	}
	if remote.calls.Load() != 2 {
		t.Errorf("remote calls = %d, want 2", remote.calls.Load())
	}
}

// blockingRemote waits for the attempt deadline on its first blockFirst
// calls and accepts afterwards.
type blockingRemote struct {
	blockFirst int32
	calls      atomic.Int32
}

func (r *blockingRemote) InsertBatch(ctx context.Context, table wt.Table, rows []model.Row) error {
	if r.calls.Add(1) <= r.blockFirst {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestEngine_SyncOnce_CanceledLeavesRowsUnsynced(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	f.remote.Respond = func(n int, table wt.Table, ids []string) error {
		cancel()
		return &wt.RemoteError{StatusCode: http.StatusServiceUnavailable}
	}

	_, err := f.engine(testOptions()).SyncOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncOnce() error = %v, want context.Canceled", err)
	}
	if got := f.unsyncedIDs(t, wt.TableActivityLogs); len(got) != 10 {
		t.Errorf("unsynced = %d, want 10", len(got))
	}
}

func (f *fixture) addScreenshot(t *testing.T, id string, content string) *model.Screenshot {
	t.Helper()
	path := "/captures/" + id + ".png"
	if err := afero.WriteFile(f.fs, path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	sc := &model.Screenshot{ID: id, UserID: "u1", LocalPath: path, FileSize: int64(len(content)), Checksum: "sum-" + id}
	if err := f.store.InsertScreenshot(context.Background(), sc); err != nil {
		t.Fatalf("InsertScreenshot() error = %v", err)
	}
	return sc
}

func TestEngine_SyncOnce_UploadsAndPurgesMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addScreenshot(t, "s1", "png-one")
	f.addScreenshot(t, "s2", "png-two")

	res, err := f.engine(testOptions()).SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if got := res.Tables[wt.TableScreenshots].Uploaded; got != 2 {
		t.Errorf("Uploaded = %d, want 2", got)
	}

	for _, id := range []string{"s1", "s2"} {
		key := "u1/" + id + ".png"
		if _, ok := f.media.Get(key); !ok {
			t.Errorf("media %s not uploaded; keys = %v", key, f.media.Keys())
		}
		if obj, _ := f.media.Object(key); obj.ContentType != "image/png" || obj.Checksum != "sum-"+id {
			t.Errorf("media object = %+v", obj)
		}

		sc, err := f.store.GetScreenshot(ctx, id)
		if err != nil || sc == nil {
			t.Fatalf("GetScreenshot(%s) = %v, %v", id, sc, err)
		}
		if !sc.Synced || sc.LocalPath != "" || sc.RemotePath != "memory://test/"+key {
			t.Errorf("screenshot = %+v, want synced with only the remote path", sc)
		}
		if ok, _ := afero.Exists(f.fs, "/captures/"+id+".png"); ok {
			t.Errorf("local file for %s not deleted", id)
		}
	}
}

func TestEngine_SyncOnce_MediaFailureHoldsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addScreenshot(t, "ok", "png")
	f.addScreenshot(t, "bad", "png")

	failing := &failingMedia{next: f.media, failKey: "u1/bad.png"}
	e := New(f.store, f.remote, failing, f.fs, testOptions(), f.clock, wt.NewNopLogger(), nil)

	res, err := e.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	tr := res.Tables[wt.TableScreenshots]
	if tr.Uploaded != 1 || tr.Failed != 1 {
		t.Errorf("TableResult = %+v, want 1 uploaded and 1 failed", tr)
	}
	calls := f.remote.Calls()
	if len(calls) != 1 || !equalIDs(calls[0].IDs, []string{"ok"}) {
		t.Errorf("remote calls = %+v, want one batch with only ok", calls)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("Failures = %+v, want one", res.Failures)
	}
	if fl := res.Failures[0]; fl.Table != wt.TableScreenshots || fl.Batch != 1 || !equalIDs(fl.IDs, []string{"bad"}) || !fl.Permanent {
		t.Errorf("Failure = %+v, want permanent failure of bad in screenshots batch 1", fl)
	}
	sc, _ := f.store.GetScreenshot(ctx, "bad")
	if sc.Synced || sc.LocalPath == "" {
		t.Errorf("failed screenshot = %+v, want unsynced with its file", sc)
	}
}

type failingMedia struct {
	next    wt.MediaStore
	failKey string
}

func (m *failingMedia) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	if obj.Key == m.failKey {
		return "", &wt.RemoteError{StatusCode: http.StatusForbidden}
	}
	return m.next.Put(ctx, obj, r)
}

func TestEngine_SyncOnce_MissingMediaDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addScreenshot(t, "gone", "png")
	f.addScreenshot(t, "here", "png")
	if err := f.fs.Remove("/captures/gone.png"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	res, err := f.engine(testOptions()).SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	tr := res.Tables[wt.TableScreenshots]
	if tr.Discarded != 1 || tr.Uploaded != 1 {
		t.Errorf("TableResult = %+v, want 1 discarded and 1 uploaded", tr)
	}
	if sc, _ := f.store.GetScreenshot(ctx, "gone"); sc != nil {
		t.Errorf("record with missing media kept: %+v", sc)
	}
}

func TestEngine_ForceSyncRecordsLastResult(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 4)
	e := f.engine(testOptions())

	if e.LastResult() != nil {
		t.Error("LastResult() set before any pass")
	}
	res, err := e.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	if e.LastResult() != res || res.Uploaded() != 4 {
		t.Errorf("LastResult() = %+v, want the forced pass with 4 uploads", e.LastResult())
	}
}

func TestEngine_RunSyncsUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.insertLogs(t, 4)
	e := f.engine(testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, time.Hour) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(f.remote.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run() made no initial pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
