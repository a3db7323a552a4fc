package service

import (
	"context"
	"time"

	"notifyrouter/internal/dispatch"
	"notifyrouter/internal/model"
	"notifyrouter/internal/storage"
	logx "notifyrouter/pkg/logx"
)

type NotificationStore interface {
	GetNotification(ctx context.Context, id, domainID string) (model.Notification, error)
	ListNotifications(ctx context.Context, f storage.NotificationFilter) ([]model.Notification, int, error)
	DeleteNotification(ctx context.Context, id, domainID string) error
	DeleteUserNotifications(ctx context.Context, userID, domainID string) (int64, error)
	SetNotificationsRead(ctx context.Context, ids []string, domainID string) (int64, error)
	StatNotifications(ctx context.Context, f storage.NotificationFilter) ([]storage.NotificationStat, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher is the routing side of notification creation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Push(ctx context.Context, req dispatch.PushRequest) (string, error)
}

type Notifications struct {
	store  NotificationStore
	router Dispatcher
	log    logx.Logger
	now    func() time.Time
}

func NewNotifications(store NotificationStore, router Dispatcher, log logx.Logger) *Notifications {
	return &Notifications{store: store, router: router, log: log, now: time.Now}
}

// Create routes a notification to its target. The request fails only on
// validation or an unknown target.
func (s *Notifications) Create(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return s.router.Dispatch(ctx, req)
}

// Push delivers through one protocol with caller-supplied channel data.
func (s *Notifications) Push(ctx context.Context, req dispatch.PushRequest) (string, error) {
	return s.router.Push(ctx, req)
}

func (s *Notifications) Get(ctx context.Context, id, domainID string) (model.Notification, error) {
	return s.store.GetNotification(ctx, id, domainID)
}

// List returns one page and the total count matching the filter.
func (s *Notifications) List(ctx context.Context, f storage.NotificationFilter) ([]model.Notification, int, error) {
	if err := required("domain_id", f.DomainID); err != nil {
		return nil, 0, err
	}
	return s.store.ListNotifications(ctx, f)
}

func (s *Notifications) Stat(ctx context.Context, f storage.NotificationFilter) ([]storage.NotificationStat, error) {
	if err := required("domain_id", f.DomainID); err != nil {
		return nil, err
	}
	return s.store.StatNotifications(ctx, f)
}

func (s *Notifications) Delete(ctx context.Context, id, domainID string) error {
	return s.store.DeleteNotification(ctx, id, domainID)
}

// DeleteAll removes every notification of a user.
func (s *Notifications) DeleteAll(ctx context.Context, userID, domainID string) (int64, error) {
	if err := firstErr(required("user_id", userID), required("domain_id", domainID)); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteUserNotifications(ctx, userID, domainID)
	if err != nil {
		return 0, err
	}
	s.log.Info("user notifications deleted", logx.String("user", userID), logx.Int64("count", n))
	return n, nil
}

func (s *Notifications) SetRead(ctx context.Context, ids []string, domainID string) (int64, error) {
	if len(ids) == 0 {
		return 0, model.Invalid("notifications", "at least one id is required")
	}
	return s.store.SetNotificationsRead(ctx, ids, domainID)
}

// Prune deletes notifications older than maxAge across all tenants.
func (s *Notifications) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, model.Invalid("max_age", "must be positive")
	}
	cutoff := s.now().Add(-maxAge)
	n, err := s.store.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("old notifications pruned", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

type UsageStore interface {
	ListUsage(ctx context.Context, f storage.UsageFilter) ([]model.Usage, error)
	StatUsage(ctx context.Context, f storage.UsageFilter) ([]storage.UsageStat, error)
}

type Usage struct {
	store UsageStore
}

func NewUsage(store UsageStore) *Usage { return &Usage{store: store} }

func (s *Usage) List(ctx context.Context, f storage.UsageFilter) ([]model.Usage, error) {
	if err := required("domain_id", f.DomainID); err != nil {
		return nil, err
	}
	return s.store.ListUsage(ctx, f)
}

// Stat sums the day rows per protocol and month.
func (s *Usage) Stat(ctx context.Context, f storage.UsageFilter) ([]storage.UsageStat, error) {
	if err := required("domain_id", f.DomainID); err != nil {
		return nil, err
	}
	return s.store.StatUsage(ctx, f)
}
