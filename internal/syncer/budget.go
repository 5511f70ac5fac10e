package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"worktrace/internal/wt"
)

// settingBudget holds "<UTC date>:<requests used>" so the day and its count
// are always written together.
const settingBudget = "sync.api_calls"

// budget meters remote requests per UTC day. The counter lives in the
// store settings so it survives restarts. A limit of zero or less meters
// without ever running out.
type budget struct {
	store wt.Store
	clock wt.Clock
	limit int
}

// BudgetStatus is the request budget of the current day.
type BudgetStatus struct {
	Date  string `json:"date"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

func (b *budget) today() string {
	return b.clock.Now().UTC().Format("2006-01-02")
}

func (b *budget) load(ctx context.Context) (BudgetStatus, error) {
	st := BudgetStatus{Date: b.today(), Limit: b.limit}

	raw, ok, err := b.store.GetSetting(ctx, settingBudget)
	if err != nil {
		return st, fmt.Errorf("reading api budget: %w", err)
	}
	if !ok {
		return st, nil
	}
	date, count, found := strings.Cut(raw, ":")
	if !found {
		return st, fmt.Errorf("parsing api budget %q: missing date", raw)
	}
	if date != st.Date {
		return st, nil
	}
	if st.Used, err = strconv.Atoi(count); err != nil {
		return st, fmt.Errorf("parsing api budget %q: %w", raw, err)
	}
	return st, nil
}

// take consumes one request from today's budget and reports whether one
// was available.
func (b *budget) take(ctx context.Context) (bool, error) {
	st, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	if b.limit > 0 && st.Used >= b.limit {
		return false, nil
	}
	if err := b.store.SetSetting(ctx, settingBudget, st.Date+":"+strconv.Itoa(st.Used+1)); err != nil {
		return false, fmt.Errorf("saving api budget: %w", err)
	}
	return true, nil
}

func (b *budget) exhausted(ctx context.Context) (bool, error) {
	st, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	return b.limit > 0 && st.Used >= b.limit, nil
}
