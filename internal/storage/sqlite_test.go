package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notify.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestProtocolLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	p := model.Protocol{
		ID:           "proto-1",
		Name:         "Telegram",
		State:        model.StateEnabled,
		Type:         model.ProtocolExternal,
		ResourceType: model.ResourceUser,
		Capability:   model.Capability{SupportedSchema: []string{"telegram_chat"}},
		PluginInfo:   model.PluginInfo{PluginID: "telegram", Version: "1.0", UpgradeMode: model.UpgradeAuto},
		Tags:         map[string]string{"team": "ops"},
		DomainID:     "d1",
	}
	require.NoError(t, db.CreateProtocol(ctx, p))

	dup := p
	dup.ID = "proto-2"
	err := db.CreateProtocol(ctx, dup)
	require.ErrorIs(t, err, model.ErrAlreadyExists)

	got, err := db.GetProtocol(ctx, "proto-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "Telegram", got.Name)
	assert.Equal(t, []string{"telegram_chat"}, got.Capability.SupportedSchema)
	assert.Equal(t, "ops", got.Tags["team"])

	_, err = db.GetProtocol(ctx, "proto-1", "other")
	require.ErrorIs(t, err, model.ErrNotFound)

	info := got.PluginInfo
	info.Version = "1.1"
	info.Metadata = map[string]any{"data_type": "SECRET"}
	require.NoError(t, db.UpdatePluginInfo(ctx, "proto-1", info))
	got, err = db.GetProtocol(ctx, "proto-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "1.1", got.PluginInfo.Version)
	assert.Equal(t, model.DataSecret, got.DataType())

	got.State = model.StateDisabled
	require.NoError(t, db.UpdateProtocol(ctx, got))
	list, err := db.ListProtocols(ctx, ProtocolFilter{DomainID: "d1", State: model.StateDisabled})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, db.DeleteProtocol(ctx, "proto-1", "d1"))
	require.ErrorIs(t, db.DeleteProtocol(ctx, "proto-1", "d1"), model.ErrNotFound)
}

func TestChannelRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	c := model.Channel{
		ID:                "ch-1",
		Kind:              model.ProjectChannel,
		Name:              "forward",
		OwnerID:           "p1",
		ProtocolID:        "internal",
		State:             model.StateEnabled,
		Data:              map[string]any{"users": []any{"u1", "u2"}},
		IsSubscribe:       true,
		Subscriptions:     []string{"alerts"},
		IsScheduled:       true,
		Schedule:          &model.Schedule{Days: []string{"MON", "TUE"}, StartHour: 9, EndHour: 18},
		NotificationLevel: model.Level3,
		DomainID:          "d1",
	}
	require.NoError(t, db.CreateChannel(ctx, c))

	got, err := db.GetChannel(ctx, model.ProjectChannel, "ch-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got.ForwardUsers())
	assert.True(t, got.IsSubscribe)
	assert.Equal(t, []string{"alerts"}, got.Subscriptions)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, 18, got.Schedule.EndHour)
	assert.Equal(t, model.Level3, got.NotificationLevel)

	_, err = db.GetChannel(ctx, model.UserChannel, "ch-1", "d1")
	require.ErrorIs(t, err, model.ErrNotFound)

	got.IsScheduled = false
	got.Schedule = nil
	require.NoError(t, db.UpdateChannel(ctx, got))
	got, err = db.GetChannel(ctx, model.ProjectChannel, "ch-1", "d1")
	require.NoError(t, err)
	assert.Nil(t, got.Schedule)

	n, err := db.CountChannelsByProtocol(ctx, "internal")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := db.ListChannels(ctx, ChannelFilter{Kind: model.ProjectChannel, OwnerID: "p1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.DeleteChannel(ctx, model.ProjectChannel, "ch-1", "d1"))
}

func TestUsageIncrementsAccumulate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.IncrementUsage(ctx, "proto", "d1", now, 1, 0))
	}
	require.NoError(t, db.IncrementUsage(ctx, "proto", "d1", now, 0, 1))
	require.NoError(t, db.IncrementUsage(ctx, "proto", "d1", now.AddDate(0, 0, -1), 2, 0))

	day, err := db.GetDayUsage(ctx, "proto", "2026-03", "14")
	require.NoError(t, err)
	assert.EqualValues(t, 5, day.Count)
	assert.EqualValues(t, 1, day.FailCount)

	success, fail, err := db.SumMonthUsage(ctx, "proto", "2026-03")
	require.NoError(t, err)
	assert.EqualValues(t, 7, success)
	assert.EqualValues(t, 1, fail)

	empty, err := db.GetDayUsage(ctx, "proto", "2026-04", "01")
	require.NoError(t, err)
	assert.Zero(t, empty.Count)

	rows, err := db.ListUsage(ctx, UsageFilter{DomainID: "d1", Month: "2026-03"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	stats, err := db.StatUsage(ctx, UsageFilter{DomainID: "d1"})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 7, stats[0].Count)
}

func TestNotificationQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	base := time.Now().Add(-time.Hour)
	for i, typ := range []model.NotificationType{model.TypeInfo, model.TypeError, model.TypeInfo} {
		require.NoError(t, db.CreateNotification(ctx, model.Notification{
			ID:        []string{"n1", "n2", "n3"}[i],
			Topic:     "deploy",
			Message:   map[string]any{"title": "hello"},
			Type:      typ,
			Level:     model.LevelAll,
			UserID:    "u1",
			DomainID:  "d1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, total, err := db.ListNotifications(ctx, NotificationFilter{DomainID: "d1", UserID: "u1", Page: Page{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "n3", list[0].ID)
	assert.Equal(t, "hello", list[0].Message["title"])

	n, err := db.SetNotificationsRead(ctx, []string{"n1", "missing"}, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	read := true
	_, total, err = db.ListNotifications(ctx, NotificationFilter{DomainID: "d1", IsRead: &read})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	stats, err := db.StatNotifications(ctx, NotificationFilter{DomainID: "d1"})
	require.NoError(t, err)
	var infoUnread int64
	for _, st := range stats {
		if st.Type == model.TypeInfo && !st.IsRead {
			infoUnread = st.Count
		}
	}
	assert.EqualValues(t, 1, infoUnread)

	require.NoError(t, db.DeleteNotification(ctx, "n2", "d1"))
	swept, err := db.DeleteNotificationsBefore(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	left, err := db.DeleteUserNotifications(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)
}

func TestQuotaUniquePerProtocol(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	q := model.Quota{ID: "q1", ProtocolID: "proto", Limit: model.QuotaLimit{Day: 100, Month: model.Unlimited}, DomainID: "d1"}
	require.NoError(t, db.CreateQuota(ctx, q))
	q.ID = "q2"
	require.ErrorIs(t, db.CreateQuota(ctx, q), model.ErrAlreadyExists)

	require.NoError(t, db.UpdateQuotaLimit(ctx, "proto", "d1", model.QuotaLimit{Day: 5, Month: 50}))
	got, ok, err := db.GetQuotaByProtocol(ctx, "proto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, got.Limit.Day)

	_, ok, err = db.GetQuotaByProtocol(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.DeleteQuota(ctx, "proto", "d1"))
	_, err = db.GetQuota(ctx, "proto", "d1")
	require.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSecretAndDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.CreateSecret(ctx, model.Secret{ID: "s1", Name: "tg", Data: map[string]any{"token": "abc"}, DomainID: "d1"}))
	sec, err := db.GetSecret(ctx, "s1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "abc", sec.Data["token"])
	require.NoError(t, db.UpdateSecretData(ctx, "s1", "d1", map[string]any{"token": "xyz"}))
	sec, err = db.GetSecret(ctx, "s1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "xyz", sec.Data["token"])
	require.NoError(t, db.DeleteSecret(ctx, "s1", "d1"))
	_, err = db.GetSecret(ctx, "s1", "d1")
	require.ErrorIs(t, err, model.ErrNotFound)

	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, db.PutDedup(ctx, "job-1", until))
	got, ok, err := db.GetDedup(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(until))

	_, ok, err = db.GetDedup(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, ok)
}
