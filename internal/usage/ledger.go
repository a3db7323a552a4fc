// Package usage tracks per-protocol dispatch counters and enforces quota
// ceilings before a dispatch is attempted.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

// Store is the counter and quota persistence. *storage.DB satisfies it.
type Store interface {
	GetQuotaByProtocol(ctx context.Context, protocolID string) (model.Quota, bool, error)
	GetDayUsage(ctx context.Context, protocolID, month, day string) (model.Usage, error)
	SumMonthUsage(ctx context.Context, protocolID, month string) (success, fail int64, err error)
	IncrementUsage(ctx context.Context, protocolID, domainID string, at time.Time, success, fail int64) error
}

// Policy is the live-reloadable part of the ledger.
type Policy struct {
	// FailOpen lets dispatch proceed when the counters cannot be read.
	FailOpen bool
	// Defaults maps plugin id to the limit used when a protocol has no
	// quota record.
	Defaults map[string]model.QuotaLimit
}

type Ledger struct {
	store  Store
	log    logx.Logger
	now    func() time.Time
	policy atomic.Pointer[Policy]
	// locks holds one *sync.Mutex per protocol id. Reserve holds it
	// across the limit read and the counter write.
	locks sync.Map
}

func NewLedger(store Store, policy Policy, log logx.Logger) *Ledger {
	l := &Ledger{store: store, log: log, now: time.Now}
	l.SetPolicy(policy)
	return l
}

func (l *Ledger) SetPolicy(p Policy) {
	cp := Policy{FailOpen: p.FailOpen, Defaults: make(map[string]model.QuotaLimit, len(p.Defaults))}
	for k, v := range p.Defaults {
		cp.Defaults[k] = v
	}
	l.policy.Store(&cp)
}

// Limit resolves the effective limit: quota record, then the default
// table by plugin id, then unlimited.
func (l *Ledger) Limit(ctx context.Context, p model.Protocol) (model.QuotaLimit, error) {
	q, ok, err := l.store.GetQuotaByProtocol(ctx, p.ID)
	if err != nil {
		return model.QuotaLimit{}, err
	}
	if ok {
		return q.Limit, nil
	}
	if lim, ok := l.policy.Load().Defaults[p.PluginInfo.PluginID]; ok {
		return lim, nil
	}
	return model.QuotaLimit{Day: model.Unlimited, Month: model.Unlimited}, nil
}

// Check returns a *model.QuotaExceededError when dispatching count more
// messages would exceed the day or month limit of the protocol.
func (l *Ledger) Check(ctx context.Context, p model.Protocol, count int64) error {
	lim, err := l.Limit(ctx, p)
	if err != nil {
		return l.readFailed(p, err)
	}
	if lim.Day == model.Unlimited && lim.Month == model.Unlimited {
		return nil
	}

	month, day := model.UsageKey(l.now())
	if lim.Day != model.Unlimited {
		u, err := l.store.GetDayUsage(ctx, p.ID, month, day)
		if err != nil {
			return l.readFailed(p, err)
		}
		if u.Count+count > lim.Day {
			return &model.QuotaExceededError{ProtocolID: p.ID, Dimension: model.QuotaDay, Limit: lim.Day, Used: u.Count}
		}
	}
	if lim.Month != model.Unlimited {
		used, _, err := l.store.SumMonthUsage(ctx, p.ID, month)
		if err != nil {
			return l.readFailed(p, err)
		}
		if used+count > lim.Month {
			return &model.QuotaExceededError{ProtocolID: p.ID, Dimension: model.QuotaMonth, Limit: lim.Month, Used: used}
		}
	}
	return nil
}

func (l *Ledger) readFailed(p model.Protocol, err error) error {
	if l.policy.Load().FailOpen {
		l.log.Warn("usage read failed; allowing dispatch", logx.String("protocol", p.ID), logx.Err(err))
		return nil
	}
	return err
}

func (l *Ledger) RecordSuccess(ctx context.Context, p model.Protocol, count int64) error {
	return l.store.IncrementUsage(ctx, p.ID, p.DomainID, l.now(), count, 0)
}

func (l *Ledger) RecordFailure(ctx context.Context, p model.Protocol, count int64) error {
	return l.store.IncrementUsage(ctx, p.ID, p.DomainID, l.now(), 0, count)
}

func (l *Ledger) lock(protocolID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(protocolID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Reservation is quota capacity taken by Reserve. Exactly one of Commit or
// Cancel settles it.
type Reservation struct {
	ledger  *Ledger
	proto   model.Protocol
	count   int64
	at      time.Time
	counted bool
	settled atomic.Bool
}

// Reserve checks the limits and counts the messages as sent while holding
// the protocol lock, so concurrent callers cannot pass the same remaining
// capacity. A failed dispatch must Cancel to give the capacity back.
func (l *Ledger) Reserve(ctx context.Context, p model.Protocol, count int64) (*Reservation, error) {
	mu := l.lock(p.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.Check(ctx, p, count); err != nil {
		return nil, err
	}
	r := &Reservation{ledger: l, proto: p, count: count, at: l.now()}
	if err := l.store.IncrementUsage(ctx, p.ID, p.DomainID, r.at, count, 0); err != nil {
		if err := l.readFailed(p, err); err != nil {
			return nil, err
		}
		return r, nil
	}
	r.counted = true
	return r, nil
}

// Commit keeps the reserved messages counted as sent.
func (r *Reservation) Commit() {
	r.settled.Store(true)
}

// Cancel moves the reserved messages from the success to the failure
// counter of the day they were reserved on.
func (r *Reservation) Cancel(ctx context.Context) error {
	if r.settled.Swap(true) {
		return nil
	}
	l := r.ledger
	if !r.counted {
		return l.store.IncrementUsage(ctx, r.proto.ID, r.proto.DomainID, r.at, 0, r.count)
	}
	mu := l.lock(r.proto.ID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.IncrementUsage(ctx, r.proto.ID, r.proto.DomainID, r.at, -r.count, r.count)
}
