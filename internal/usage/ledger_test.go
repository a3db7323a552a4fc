package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

type dayKey struct{ protocol, month, day string }

type fakeStore struct {
	mu      sync.Mutex
	quotas  map[string]model.Quota
	days    map[dayKey]model.Usage
	readErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{quotas: map[string]model.Quota{}, days: map[dayKey]model.Usage{}}
}

func (f *fakeStore) GetQuotaByProtocol(_ context.Context, id string) (model.Quota, bool, error) {
	if f.readErr != nil {
		return model.Quota{}, false, f.readErr
	}
	q, ok := f.quotas[id]
	return q, ok, nil
}

func (f *fakeStore) GetDayUsage(_ context.Context, id, month, day string) (model.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.days[dayKey{id, month, day}], nil
}

func (f *fakeStore) SumMonthUsage(_ context.Context, id, month string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s, fl int64
	for k, u := range f.days {
		if k.protocol == id && k.month == month {
			s += u.Count
			fl += u.FailCount
		}
	}
	return s, fl, nil
}

func (f *fakeStore) IncrementUsage(_ context.Context, id, domain string, at time.Time, success, fail int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, d := model.UsageKey(at)
	k := dayKey{id, m, d}
	u := f.days[k]
	u.ProtocolID, u.Month, u.Day, u.DomainID = id, m, d, domain
	u.Count += success
	u.FailCount += fail
	f.days[k] = u
	return nil
}

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestLedger(st Store, p Policy) *Ledger {
	l := NewLedger(st, p, logx.Nop())
	l.now = func() time.Time { return testNow }
	return l
}

func TestCheckDayBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	proto := model.Protocol{ID: "p1", DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "sms"}}
	st.quotas["p1"] = model.Quota{ProtocolID: "p1", Limit: model.QuotaLimit{Day: 100, Month: model.Unlimited}}
	l := newTestLedger(st, Policy{})

	require.NoError(t, l.RecordSuccess(ctx, proto, 99))
	require.NoError(t, l.Check(ctx, proto, 1))

	err := l.Check(ctx, proto, 2)
	var qe *model.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, model.QuotaDay, qe.Dimension)
	assert.EqualValues(t, 100, qe.Limit)
	require.ErrorIs(t, err, model.ErrQuotaExceeded)

	// Failures do not consume quota.
	require.NoError(t, l.RecordFailure(ctx, proto, 1))
	require.NoError(t, l.Check(ctx, proto, 1))
	u, _ := st.GetDayUsage(ctx, "p1", "2026-06", "15")
	assert.EqualValues(t, 99, u.Count)
	assert.EqualValues(t, 1, u.FailCount)
}

func TestCheckMonthLimitSumsDays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	proto := model.Protocol{ID: "p1", PluginInfo: model.PluginInfo{PluginID: "email"}}
	l := newTestLedger(st, Policy{Defaults: map[string]model.QuotaLimit{"email": {Day: 1000, Month: 10}}})

	require.NoError(t, st.IncrementUsage(ctx, "p1", "", testNow.AddDate(0, 0, -3), 6, 0))
	require.NoError(t, st.IncrementUsage(ctx, "p1", "", testNow, 4, 0))

	err := l.Check(ctx, proto, 1)
	var qe *model.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, model.QuotaMonth, qe.Dimension)
	assert.EqualValues(t, 10, qe.Used)
}

func TestLimitResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	st.quotas["with-quota"] = model.Quota{Limit: model.QuotaLimit{Day: 5, Month: 50}}
	l := newTestLedger(st, Policy{Defaults: map[string]model.QuotaLimit{"sms": {Day: 100, Month: 3000}}})

	tests := []struct {
		name  string
		proto model.Protocol
		want  model.QuotaLimit
	}{
		{name: "record", proto: model.Protocol{ID: "with-quota", PluginInfo: model.PluginInfo{PluginID: "sms"}}, want: model.QuotaLimit{Day: 5, Month: 50}},
		{name: "default table", proto: model.Protocol{ID: "x", PluginInfo: model.PluginInfo{PluginID: "sms"}}, want: model.QuotaLimit{Day: 100, Month: 3000}},
		{name: "unlimited", proto: model.Protocol{ID: "y", PluginInfo: model.PluginInfo{PluginID: "slack"}}, want: model.QuotaLimit{Day: -1, Month: -1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Limit(ctx, tt.proto)
			if err != nil {
				t.Fatalf("Limit: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Limit = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFiveIncrements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	l := newTestLedger(st, Policy{})
	proto := model.Protocol{ID: "p1"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.RecordSuccess(ctx, proto, 1)
		}()
	}
	wg.Wait()

	u, _ := st.GetDayUsage(ctx, "p1", "2026-06", "15")
	month, _, _ := st.SumMonthUsage(ctx, "p1", "2026-06")
	assert.EqualValues(t, 5, u.Count)
	assert.EqualValues(t, 5, month)
}

func TestReadFailurePolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	st.readErr = errors.New("db down")
	proto := model.Protocol{ID: "p1"}

	open := newTestLedger(st, Policy{FailOpen: true})
	require.NoError(t, open.Check(ctx, proto, 1))

	closed := newTestLedger(st, Policy{FailOpen: false})
	require.Error(t, closed.Check(ctx, proto, 1))
}

func TestReserveHoldsCeilingUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	st.quotas["p1"] = model.Quota{ProtocolID: "p1", Limit: model.QuotaLimit{Day: 3, Month: model.Unlimited}}
	l := newTestLedger(st, Policy{})
	proto := model.Protocol{ID: "p1"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		exceeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, proto, 1)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, model.ErrQuotaExceeded) {
				exceeded++
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			r.Commit()
			granted++
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	assert.Equal(t, 7, exceeded)
	u, _ := st.GetDayUsage(ctx, "p1", "2026-06", "15")
	assert.EqualValues(t, 3, u.Count)
}

func TestReserveCancelReturnsCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newFakeStore()
	st.quotas["p1"] = model.Quota{ProtocolID: "p1", Limit: model.QuotaLimit{Day: 1, Month: 1}}
	l := newTestLedger(st, Policy{})
	proto := model.Protocol{ID: "p1"}

	r, err := l.Reserve(ctx, proto, 1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, proto, 1)
	require.ErrorIs(t, err, model.ErrQuotaExceeded)

	require.NoError(t, r.Cancel(ctx))
	require.NoError(t, r.Cancel(ctx))
	u, _ := st.GetDayUsage(ctx, "p1", "2026-06", "15")
	assert.EqualValues(t, 0, u.Count)
	assert.EqualValues(t, 1, u.FailCount)

	again, err := l.Reserve(ctx, proto, 1)
	require.NoError(t, err)
	again.Commit()
	require.NoError(t, again.Cancel(ctx))
	u, _ = st.GetDayUsage(ctx, "p1", "2026-06", "15")
	assert.EqualValues(t, 1, u.Count)
}
