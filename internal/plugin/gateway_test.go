package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrouter/internal/cache"
	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

type fakePlugin struct {
	mu         sync.Mutex
	meta       Metadata
	initErr    error
	dispatchFn func(req DispatchRequest) error
	sent       []DispatchRequest
	version    string
}

func (f *fakePlugin) Init(context.Context, map[string]any) (Metadata, error) {
	return f.meta, f.initErr
}

func (f *fakePlugin) Verify(_ context.Context, _, secret map[string]any) error {
	if secret["token"] == nil {
		return errors.New("token is required")
	}
	return nil
}

func (f *fakePlugin) Dispatch(_ context.Context, req DispatchRequest) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if f.dispatchFn != nil {
		return f.dispatchFn(req)
	}
	return nil
}

type fakeProtocols struct {
	updates map[string]model.PluginInfo
}

func (f *fakeProtocols) UpdatePluginInfo(_ context.Context, id string, info model.PluginInfo) error {
	f.updates[id] = info
	return nil
}

type fakeSecrets map[string]map[string]any

func (f fakeSecrets) GetSecretData(_ context.Context, id, _ string) (map[string]any, error) {
	d, ok := f[id]
	if !ok {
		return nil, model.NotFound("secret", id)
	}
	return d, nil
}

func newTestGateway(t *testing.T, fp *fakePlugin) (*Gateway, *Registry, *fakeProtocols) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		ID:         "fake",
		Capability: model.Capability{SupportedSchema: []string{"fake_schema"}},
		Versions:   map[string]string{"1.0": "", "1.2": "", "1.10": ""},
		New: func(ep Endpoint) (Plugin, error) {
			fp.version = ep.Version
			return fp, nil
		},
	}))
	protos := &fakeProtocols{updates: map[string]model.PluginInfo{}}
	secrets := fakeSecrets{
		"proto-secret": {"token": "t"},
		"chan-secret":  {"chat_id": "42"},
	}
	g := NewGateway(reg, cache.NewMemory(100), protos, secrets, GatewayConfig{}, logx.Nop())
	return g, reg, protos
}

func TestResolveEndpointModes(t *testing.T) {
	t.Parallel()
	_, reg, _ := newTestGateway(t, &fakePlugin{})
	ctx := context.Background()

	ep, err := reg.ResolveEndpoint(ctx, "fake", "1.0", model.UpgradeAuto, "d1")
	require.NoError(t, err)
	assert.Equal(t, "1.10", ep.Version)

	ep, err = reg.ResolveEndpoint(ctx, "fake", "1.2", model.UpgradeManual, "d1")
	require.NoError(t, err)
	assert.Equal(t, "1.2", ep.Version)

	_, err = reg.ResolveEndpoint(ctx, "fake", "9.9", model.UpgradeManual, "d1")
	require.ErrorIs(t, err, model.ErrPluginVersion)

	_, err = reg.ResolveEndpoint(ctx, "missing", "", model.UpgradeAuto, "d1")
	require.ErrorIs(t, err, model.ErrNotFound)

	vs, err := reg.ListVersions(ctx, "fake", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.10", "1.2", "1.0"}, vs)
}

func TestInitializePersistsUpgrade(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{meta: SchemaMetadata(model.DataPlainText, "chat_id")}
	g, _, protos := newTestGateway(t, fp)

	p := model.Protocol{ID: "p1", DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake", Version: "1.0", UpgradeMode: model.UpgradeAuto}}
	_, info, err := g.Initialize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "1.10", info.Version)
	require.Contains(t, protos.updates, "p1")
	assert.Equal(t, []string{"chat_id"}, RequiredKeys(protos.updates["p1"].Metadata))

	// Unchanged version and metadata is not written again.
	delete(protos.updates, "p1")
	p.PluginInfo = info
	_, _, err = g.Initialize(context.Background(), p)
	require.NoError(t, err)
	assert.NotContains(t, protos.updates, "p1")
}

func TestEndpointIsCached(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{}
	g, reg, _ := newTestGateway(t, fp)
	ctx := context.Background()
	p := model.Protocol{ID: "p1", DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake", UpgradeMode: model.UpgradeAuto}}

	ep, err := g.Endpoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "1.10", ep.Version)

	require.NoError(t, reg.Register(Descriptor{
		ID:       "fake",
		Versions: map[string]string{"2.0": ""},
		New:      func(Endpoint) (Plugin, error) { return fp, nil },
	}))
	ep, err = g.Endpoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "1.10", ep.Version)

	g.InvalidateEndpoint(ctx, p)
	ep, err = g.Endpoint(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "2.0", ep.Version)
}

func TestMaterialByDataType(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, &fakePlugin{})
	ctx := context.Background()

	plain := model.Protocol{DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake", SecretID: "proto-secret"}}
	m, err := g.Material(ctx, plain, model.Channel{Data: map[string]any{"chat_id": "1"}})
	require.NoError(t, err)
	assert.Equal(t, "t", m.SecretData["token"])
	assert.Equal(t, "1", m.ChannelData["chat_id"])

	secret := model.Protocol{DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake", Metadata: map[string]any{"data_type": "SECRET"}}}
	m, err = g.Material(ctx, secret, model.Channel{ID: "c", SecretID: "chan-secret", DomainID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, "42", m.ChannelData["chat_id"])
	assert.Empty(t, m.SecretData)

	_, err = g.Material(ctx, secret, model.Channel{ID: "c"})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestDispatchWrapsPluginErrors(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{dispatchFn: func(DispatchRequest) error { return errors.New("smtp down") }}
	g, _, _ := newTestGateway(t, fp)
	p := model.Protocol{ID: "p1", DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake", UpgradeMode: model.UpgradeAuto}}

	err := g.Dispatch(context.Background(), p, Material{}, model.TypeInfo, map[string]any{"title": "x"})
	var pe *model.PluginError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "dispatch", pe.Op)
	require.ErrorIs(t, err, model.ErrPluginDispatch)
}

func TestDispatchRecoversPanic(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{dispatchFn: func(DispatchRequest) error { panic("boom") }}
	g, _, _ := newTestGateway(t, fp)
	p := model.Protocol{ID: "p1", DomainID: "d1", PluginInfo: model.PluginInfo{PluginID: "fake"}}

	err := g.Dispatch(context.Background(), p, Material{}, model.TypeInfo, nil)
	require.ErrorIs(t, err, model.ErrPluginDispatch)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, &fakePlugin{})
	p := model.Protocol{PluginInfo: model.PluginInfo{PluginID: "fake"}}
	require.NoError(t, g.Verify(context.Background(), p, map[string]any{"token": "x"}))
	require.Error(t, g.Verify(context.Background(), p, nil))
}

func TestMessageText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  map[string]any
		want string
	}{
		{name: "title and body", msg: map[string]any{"title": "T", "description": "D"}, want: "T\n\nD"},
		{name: "text only", msg: map[string]any{"text": "hello"}, want: "hello"},
		{name: "fallback json", msg: map[string]any{"k": 1}, want: `{"k":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageText(tt.msg); got != tt.want {
				t.Fatalf("MessageText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, compareVersions("1.10", "1.9"))
	assert.Equal(t, -1, compareVersions("1.0", "1.0.1"))
	assert.Equal(t, 0, compareVersions("v2.1", "2.1"))
}
