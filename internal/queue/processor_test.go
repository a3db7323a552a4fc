package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/eventbus"
	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/task/engine"
	"notifyrouter/internal/usage"
	logx "notifyrouter/pkg/logx"
)

type usageStore struct {
	mu      sync.Mutex
	quotas  map[string]model.Quota
	days    map[string]*model.Usage
	readErr error
}

func newUsageStore() *usageStore {
	return &usageStore{quotas: map[string]model.Quota{}, days: map[string]*model.Usage{}}
}

func (s *usageStore) GetQuotaByProtocol(_ context.Context, id string) (model.Quota, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return model.Quota{}, false, s.readErr
	}
	q, ok := s.quotas[id]
	return q, ok, nil
}

func (s *usageStore) GetDayUsage(_ context.Context, id, month, day string) (model.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.days[id+month+day]; ok {
		return *u, nil
	}
	return model.Usage{ProtocolID: id, Month: month, Day: day}, nil
}

func (s *usageStore) SumMonthUsage(_ context.Context, id, month string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok, fail int64
	for _, u := range s.days {
		if u.ProtocolID == id && u.Month == month {
			ok += u.Count
			fail += u.FailCount
		}
	}
	return ok, fail, nil
}

func (s *usageStore) IncrementUsage(_ context.Context, id, domain string, at time.Time, success, fail int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	month, day := model.UsageKey(at)
	u, ok := s.days[id+month+day]
	if !ok {
		u = &model.Usage{ProtocolID: id, Month: month, Day: day, DomainID: domain}
		s.days[id+month+day] = u
	}
	u.Count += success
	u.FailCount += fail
	return nil
}

func (s *usageStore) today(id string) model.Usage {
	month, day := model.UsageKey(time.Now())
	u, _ := s.GetDayUsage(context.Background(), id, month, day)
	return u
}

type protocolMap map[string]model.Protocol

func (m protocolMap) GetProtocol(_ context.Context, id, _ string) (model.Protocol, error) {
	p, ok := m[id]
	if !ok {
		return model.Protocol{}, model.NotFound("protocol", id)
	}
	return p, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []plugin.Material
	err   error
	delay time.Duration
}

func (g *fakeGateway) Dispatch(_ context.Context, _ model.Protocol, m plugin.Material, _ model.NotificationType, _ map[string]any) error {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, m)
	return g.err
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.m[key]
	return t, ok, nil
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

type fixture struct {
	proc    *Processor
	store   *usageStore
	gateway *fakeGateway
	events  <-chan eventbus.Event
}

func newFixture(t *testing.T, protos protocolMap) fixture {
	t.Helper()
	store := newUsageStore()
	gw := &fakeGateway{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	ledger := usage.NewLedger(store, usage.Policy{FailOpen: true}, logx.Nop())
	proc := NewProcessor(protos, ledger, gw, &memDedup{m: map[string]time.Time{}}, ProcessorConfig{DedupWindow: time.Minute}, bus, logx.Nop())
	return fixture{proc: proc, store: store, gateway: gw, events: events}
}

func enabledProtocol(id string) model.Protocol {
	return model.Protocol{ID: id, State: model.StateEnabled, Type: model.ProtocolExternal, DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake"}}
}

func testJob(id string) Job {
	return Job{
		ID:          id,
		ProtocolID:  "p1",
		ChannelData: map[string]any{"chat_id": "1"},
		SecretData:  map[string]any{"token": "t"},
		Type:        model.TypeInfo,
		Message:     map[string]any{"title": "hi"},
		DomainID:    "d1",
	}
}

func nextEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return eventbus.Event{}
	}
}

func TestProcessDeliversAndDedups(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protocolMap{"p1": enabledProtocol("p1")})
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, testJob("j1")))
	require.Equal(t, 1, f.gateway.count())
	assert.Equal(t, "t", f.gateway.calls[0].SecretData["token"])
	assert.Equal(t, eventbus.DispatchDelivered, nextEvent(t, f.events).Type)
	assert.Equal(t, int64(1), f.store.today("p1").Count)

	require.NoError(t, f.proc.Process(ctx, testJob("j1")))
	assert.Equal(t, 1, f.gateway.count())
	e := nextEvent(t, f.events)
	assert.Equal(t, eventbus.DispatchSkipped, e.Type)
	assert.Equal(t, "duplicate", e.Data.(eventbus.DispatchEvent).Reason)
}

func TestProcessQuotaExceededRecordsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protocolMap{"p1": enabledProtocol("p1")})
	ctx := context.Background()
	f.store.quotas["p1"] = model.Quota{ProtocolID: "p1", Limit: model.QuotaLimit{Day: 100, Month: model.Unlimited}}
	require.NoError(t, f.store.IncrementUsage(ctx, "p1", "d1", time.Now(), 100, 0))

	err := f.proc.Process(ctx, testJob("j2"))
	require.ErrorIs(t, err, model.ErrQuotaExceeded)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, 0, f.gateway.count())

	u := f.store.today("p1")
	assert.Equal(t, int64(100), u.Count)
	assert.Equal(t, int64(1), u.FailCount)
}

func TestProcessDispatchFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "transient", err: &model.PluginError{PluginID: "fake", Op: "dispatch", Err: errors.New("timeout")}},
		{name: "bad version", err: &model.InvalidPluginVersionError{PluginID: "fake", Version: "9"}, permanent: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, protocolMap{"p1": enabledProtocol("p1")})
			f.gateway.err = tt.err

			err := f.proc.Process(context.Background(), testJob("j3"))
			require.Error(t, err)
			if engine.IsPermanent(err) != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v", engine.IsPermanent(err), tt.permanent)
			}
			u := f.store.today("p1")
			assert.Equal(t, int64(0), u.Count)
			assert.Equal(t, int64(1), u.FailCount)
			assert.Equal(t, eventbus.DispatchFailed, nextEvent(t, f.events).Type)
		})
	}
}

func TestProcessSkipsDisabledAndMissingProtocols(t *testing.T) {
	t.Parallel()
	disabled := enabledProtocol("p1")
	disabled.State = model.StateDisabled
	f := newFixture(t, protocolMap{"p1": disabled})
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, testJob("j4")))
	assert.Equal(t, 0, f.gateway.count())

	missing := testJob("j5")
	missing.ProtocolID = "nope"
	err := f.proc.Process(ctx, missing)
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.True(t, engine.IsPermanent(err))

	err = f.proc.Process(ctx, Job{})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestProcessConcurrentJobsRespectDayQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protocolMap{"p1": enabledProtocol("p1")})
	f.gateway.delay = 50 * time.Millisecond
	f.store.quotas["p1"] = model.Quota{ProtocolID: "p1", Limit: model.QuotaLimit{Day: 1, Month: model.Unlimited}}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		exceeded int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := f.proc.Process(context.Background(), testJob(id))
			if errors.Is(err, model.ErrQuotaExceeded) {
				mu.Lock()
				exceeded++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}("jq" + string(rune('a'+i)))
	}
	wg.Wait()

	assert.Equal(t, 1, f.gateway.count())
	assert.Equal(t, 3, exceeded)
	u := f.store.today("p1")
	assert.Equal(t, int64(1), u.Count)
	assert.Equal(t, int64(3), u.FailCount)
}

func TestProcessFailedDispatchReturnsQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, protocolMap{"p1": enabledProtocol("p1")})
	f.store.quotas["p1"] = model.Quota{ProtocolID: "p1", Limit: model.QuotaLimit{Day: 1, Month: model.Unlimited}}
	ctx := context.Background()

	f.gateway.err = &model.PluginError{PluginID: "fake", Op: "dispatch", Err: errors.New("refused")}
	require.Error(t, f.proc.Process(ctx, testJob("jr1")))

	f.gateway.mu.Lock()
	f.gateway.err = nil
	f.gateway.mu.Unlock()
	require.NoError(t, f.proc.Process(ctx, testJob("jr2")))

	u := f.store.today("p1")
	assert.Equal(t, int64(1), u.Count)
	assert.Equal(t, int64(1), u.FailCount)
}

func TestProcessFailClosedDropsJob(t *testing.T) {
	t.Parallel()
	store := newUsageStore()
	store.readErr = errors.New("db down")
	gw := &fakeGateway{}
	ledger := usage.NewLedger(store, usage.Policy{FailOpen: false}, logx.Nop())
	proc := NewProcessor(protocolMap{"p1": enabledProtocol("p1")}, ledger, gw, nil, ProcessorConfig{}, nil, logx.Nop())

	err := proc.Process(context.Background(), testJob("jf1"))
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, 0, gw.count())
}
