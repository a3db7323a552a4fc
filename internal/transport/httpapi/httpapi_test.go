package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/cache"
	"notifyrouter/internal/dispatch"
	"notifyrouter/internal/identity"
	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/secret"
	"notifyrouter/internal/service"
	"notifyrouter/internal/storage"
	logx "notifyrouter/pkg/logx"
)

type stubPlugin struct{}

func (stubPlugin) Init(context.Context, map[string]any) (plugin.Metadata, error) {
	return plugin.SchemaMetadata(model.DataPlainText, "chat_id"), nil
}

func (stubPlugin) Verify(context.Context, map[string]any, map[string]any) error { return nil }

func (stubPlugin) Dispatch(context.Context, plugin.DispatchRequest) error { return nil }

type fakeRouter struct {
	mu     sync.Mutex
	last   dispatch.Request
	pushed []dispatch.PushRequest
}

func (f *fakeRouter) Dispatch(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return dispatch.Result{Users: 1, Queued: 1, Notifications: 1}, nil
}

func (f *fakeRouter) Push(_ context.Context, req dispatch.PushRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, req)
	return "job-1", nil
}

type harness struct {
	handler http.Handler
	router  *fakeRouter
}

func newHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Descriptor{
		ID:         "chat",
		Name:       "chat",
		Capability: model.Capability{SupportedSchema: []string{"chat_room"}},
		Versions:   map[string]string{"1.0": ""},
		New:        func(plugin.Endpoint) (plugin.Plugin, error) { return stubPlugin{}, nil },
	}))
	mem := cache.NewMemory(64)
	secrets := secret.NewStore(db, logx.Nop())
	gw := plugin.NewGateway(reg, mem, db, secrets, plugin.GatewayConfig{}, logx.Nop())
	dir := identity.NewDirectory(identity.Snapshot{
		Domains:  []identity.Domain{{ID: "d1"}},
		Users:    []identity.User{{ID: "u1", DomainID: "d1"}},
		Projects: []identity.Project{{ID: "pr1", DomainID: "d1"}},
	})
	fr := &fakeRouter{}
	api := New(Services{
		Notifications: service.NewNotifications(db, fr, logx.Nop()),
		Channels:      service.NewChannels(db, db, dir, secrets, service.Config{}, logx.Nop()),
		Protocols:     service.NewProtocols(db, reg, gw, secrets, mem, service.Config{}, logx.Nop()),
		Quotas:        service.NewQuotas(db, db, logx.Nop()),
		Usage:         service.NewUsage(db),
	}, logx.Nop())
	return harness{handler: api.Handler(cfg), router: fr}
}

func (h harness) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DomainHeader, "d1")
	for k, v := range hdr {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createProtocol(t *testing.T, h harness) model.Protocol {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/protocols", `{"name":"Chat","plugin_info":{"plugin_id":"chat"}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.Protocol](t, rec)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/healthz", "", map[string]string{DomainHeader: ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTenantHeaderRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodGet, "/v1/protocols", "", map[string]string{DomainHeader: ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "invalid_argument", body.Error.Code)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Token: "s3cret"})

	rec := h.do(t, http.MethodGet, "/v1/quotas", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/quotas", "", map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"results":[],"total_count":0}`, rec.Body.String())
}

func TestCreateNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/v1/notifications",
		`{"resource_type":"identity.User","resource_id":"u1","topic":"build","message":{"title":"done"},"notification_type":"SUCCESS"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decodeBody[dispatch.Result](t, rec)
	assert.Equal(t, dispatch.Result{Users: 1, Queued: 1, Notifications: 1}, res)

	h.router.mu.Lock()
	got := h.router.last
	h.router.mu.Unlock()
	assert.Equal(t, "d1", got.DomainID)
	assert.Equal(t, model.TypeSuccess, got.Type)
	assert.Equal(t, "done", got.Message["title"])
}

func TestCreateNotificationRejectsBadBodies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "unknown field", body: `{"resource_type":"identity.User","resource_id":"u1","topic":"t","message":{"a":1},"extra":1}`},
		{name: "bad resource type", body: `{"resource_type":"identity.Group","resource_id":"u1","topic":"t","message":{"a":1}}`},
		{name: "missing topic", body: `{"resource_type":"identity.User","resource_id":"u1","message":{"a":1}}`},
		{name: "bad level", body: `{"resource_type":"identity.Project","resource_id":"pr1","topic":"t","message":{"a":1},"notification_level":"LV9"}`},
		{name: "trailing data", body: `{"resource_type":"identity.User","resource_id":"u1","topic":"t","message":{"a":1}} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			rec := h.do(t, http.MethodPost, "/v1/notifications", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestPushNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/v1/notifications/push",
		`{"protocol_id":"protocol-1","data":{"chat_id":"42"},"message":{"title":"hi"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"job_id":"job-1"}`, rec.Body.String())
	require.Len(t, h.router.pushed, 1)
	assert.Equal(t, "d1", h.router.pushed[0].DomainID)
}

func TestChannelLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	p := createProtocol(t, h)

	rec := h.do(t, http.MethodPost, "/v1/user-channels",
		fmt.Sprintf(`{"user_id":"u1","protocol_id":%q,"name":"Phone","data":{"chat_id":"42"}}`, p.ID), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ch := decodeBody[channelView](t, rec)
	assert.Equal(t, "u1", ch.UserID)
	assert.Empty(t, ch.ProjectID)
	assert.Equal(t, model.StateEnabled, ch.State)

	rec = h.do(t, http.MethodPut, "/v1/user-channels/"+ch.ID+"/schedule",
		`{"is_scheduled":true,"schedule":{"day_of_week":["fri","mon"],"start_hour":9,"end_hour":18}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ch = decodeBody[channelView](t, rec)
	require.NotNil(t, ch.Schedule)
	assert.Equal(t, []string{"MON", "FRI"}, ch.Schedule.Days)

	rec = h.do(t, http.MethodPost, "/v1/user-channels/"+ch.ID+"/disable", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.StateDisabled, decodeBody[channelView](t, rec).State)

	rec = h.do(t, http.MethodGet, "/v1/user-channels?user_id=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[listBody[channelView]](t, rec).TotalCount)

	rec = h.do(t, http.MethodDelete, "/v1/protocols/"+p.ID, "", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "protocol_in_use", decodeBody[errorBody](t, rec).Error.Code)

	rec = h.do(t, http.MethodGet, "/v1/project-channels/"+ch.ID, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodDelete, "/v1/user-channels/"+ch.ID, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodDelete, "/v1/protocols/"+p.ID, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestChannelOwnerFieldMustMatchKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	p := createProtocol(t, h)

	rec := h.do(t, http.MethodPost, "/v1/project-channels",
		fmt.Sprintf(`{"user_id":"u1","protocol_id":%q,"name":"Ops","data":{"chat_id":"1"}}`, p.ID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/v1/project-channels",
		fmt.Sprintf(`{"project_id":"pr1","protocol_id":%q,"name":"Ops","data":{"chat_id":"1"},"notification_level":"LV2"}`, p.ID), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ch := decodeBody[channelView](t, rec)
	assert.Equal(t, "pr1", ch.ProjectID)
	assert.Equal(t, model.Level2, ch.NotificationLevel)

	rec = h.do(t, http.MethodPost, "/v1/user-channels",
		fmt.Sprintf(`{"user_id":"u1","protocol_id":%q,"name":"Ops","data":{"chat_id":"1"},"notification_level":"LV2"}`, p.ID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestQuotaDefaultsToUnlimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	p := createProtocol(t, h)

	rec := h.do(t, http.MethodPost, "/v1/quotas", fmt.Sprintf(`{"protocol_id":%q,"limit":{"day":100}}`, p.ID), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	q := decodeBody[model.Quota](t, rec)
	assert.Equal(t, model.QuotaLimit{Day: 100, Month: model.Unlimited}, q.Limit)

	rec = h.do(t, http.MethodPatch, "/v1/quotas/"+p.ID, `{"limit":{"day":-2}}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPatch, "/v1/quotas/"+p.ID, `{"limit":{"month":500}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.QuotaLimit{Day: model.Unlimited, Month: 500}, decodeBody[model.Quota](t, rec).Limit)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{err: model.Invalid("x", "bad"), want: http.StatusBadRequest},
		{err: &model.InvalidPluginVersionError{PluginID: "p", Version: "9"}, want: http.StatusBadRequest},
		{err: model.NotFound("protocol", "p"), want: http.StatusNotFound},
		{err: fmt.Errorf("wrap: %w", model.ErrProtocolDisabled), want: http.StatusConflict},
		{err: model.ErrNotAllowed, want: http.StatusConflict},
		{err: &model.QuotaExceededError{ProtocolID: "p"}, want: http.StatusTooManyRequests},
		{err: &model.PluginError{PluginID: "p", Op: "dispatch", Err: errors.New("down")}, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.err.Error(), func(t *testing.T) {
			t.Parallel()
			got, _ := classify(tt.err)
			if got != tt.want {
				t.Fatalf("classify(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
