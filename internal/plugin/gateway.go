package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyrouter/internal/cache"
	"notifyrouter/internal/model"
	logx "notifyrouter/pkg/logx"
)

// ProtocolWriter persists refreshed plugin metadata.
type ProtocolWriter interface {
	UpdatePluginInfo(ctx context.Context, protocolID string, info model.PluginInfo) error
}

// SecretReader loads secret material by id.
type SecretReader interface {
	GetSecretData(ctx context.Context, secretID, domainID string) (map[string]any, error)
}

type GatewayConfig struct {
	EndpointTTL time.Duration
	CallTimeout time.Duration
	// RatePerSec limits dispatch calls per protocol. Zero disables it.
	RatePerSec float64
	Burst      int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.EndpointTTL <= 0 {
		c.EndpointTTL = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Material is the credential set handed to a plugin for one channel.
type Material struct {
	SecretData  map[string]any
	ChannelData map[string]any
}

type Gateway struct {
	reg       *Registry
	cache     cache.Cache
	protocols ProtocolWriter
	secrets   SecretReader
	log       logx.Logger

	mu       sync.Mutex
	cfg      GatewayConfig
	limiters map[string]*rate.Limiter
}

func NewGateway(reg *Registry, c cache.Cache, protocols ProtocolWriter, secrets SecretReader, cfg GatewayConfig, log logx.Logger) *Gateway {
	return &Gateway{
		reg:       reg,
		cache:     c,
		protocols: protocols,
		secrets:   secrets,
		log:       log,
		cfg:       cfg.withDefaults(),
		limiters:  map[string]*rate.Limiter{},
	}
}

// Apply swaps the live config. Limiters are rebuilt lazily.
func (g *Gateway) Apply(cfg GatewayConfig) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.limiters = map[string]*rate.Limiter{}
	g.mu.Unlock()
}

func (g *Gateway) config() GatewayConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

func (g *Gateway) Registry() *Registry { return g.reg }

func endpointKey(domainID, pluginID, version string, mode model.UpgradeMode) string {
	return fmt.Sprintf("endpoint:%s:%s:%s:%s", domainID, pluginID, version, mode)
}

// Endpoint resolves the protocol's plugin endpoint through the cache.
func (g *Gateway) Endpoint(ctx context.Context, p model.Protocol) (Endpoint, error) {
	info := p.PluginInfo
	key := endpointKey(p.DomainID, info.PluginID, info.Version, info.UpgradeMode)

	var ep Endpoint
	if g.cache != nil {
		if ok, err := cache.GetJSON(ctx, g.cache, key, &ep); err == nil && ok {
			return ep, nil
		} else if err != nil {
			g.log.Debug("endpoint cache read failed", logx.String("key", key), logx.Err(err))
		}
	}
	ep, err := g.reg.ResolveEndpoint(ctx, info.PluginID, info.Version, info.UpgradeMode, p.DomainID)
	if err != nil {
		return Endpoint{}, err
	}
	if g.cache != nil {
		if err := cache.SetJSON(ctx, g.cache, key, ep, g.config().EndpointTTL); err != nil {
			g.log.Debug("endpoint cache write failed", logx.String("key", key), logx.Err(err))
		}
	}
	return ep, nil
}

// InvalidateEndpoint drops the cached endpoint of the protocol.
func (g *Gateway) InvalidateEndpoint(ctx context.Context, p model.Protocol) {
	if g.cache == nil {
		return
	}
	info := p.PluginInfo
	_ = g.cache.Delete(ctx, endpointKey(p.DomainID, info.PluginID, info.Version, info.UpgradeMode))
}

// Initialize opens and initializes the protocol's plugin. When the
// resolved version or the returned metadata differs from what the
// protocol holds, the refreshed plugin info is persisted and returned.
func (g *Gateway) Initialize(ctx context.Context, p model.Protocol) (Plugin, model.PluginInfo, error) {
	info := p.PluginInfo
	ep, err := g.Endpoint(ctx, p)
	if err != nil {
		return nil, info, err
	}
	pl, err := g.reg.Open(ep)
	if err != nil {
		return nil, info, err
	}

	var meta Metadata
	err = g.safeCall(info.PluginID, "init", func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config().CallTimeout)
		defer cancel()
		var ierr error
		meta, ierr = pl.Init(cctx, info.Options)
		return ierr
	})
	if err != nil {
		return nil, info, &model.PluginError{PluginID: info.PluginID, Op: "init", Err: err}
	}

	changed := ep.Version != info.Version || canonicalHash(map[string]any(meta)) != canonicalHash(info.Metadata)
	if changed {
		info.Version = ep.Version
		info.Metadata = map[string]any(meta)
		// Unsaved protocols get the refreshed info back without a write.
		if p.ID != "" && g.protocols != nil {
			if err := g.protocols.UpdatePluginInfo(ctx, p.ID, info); err != nil {
				g.log.Warn("persist plugin info failed", logx.String("protocol", p.ID), logx.Err(err))
			} else {
				g.log.Info("plugin info refreshed",
					logx.String("protocol", p.ID),
					logx.String("plugin", info.PluginID),
					logx.String("version", info.Version),
				)
			}
		}
	}
	return pl, info, nil
}

// Verify checks options and secret data against the plugin version the
// protocol would run.
func (g *Gateway) Verify(ctx context.Context, p model.Protocol, secretData map[string]any) error {
	ep, err := g.reg.ResolveEndpoint(ctx, p.PluginInfo.PluginID, p.PluginInfo.Version, p.PluginInfo.UpgradeMode, p.DomainID)
	if err != nil {
		return err
	}
	pl, err := g.reg.Open(ep)
	if err != nil {
		return err
	}
	err = g.safeCall(ep.PluginID, "verify", func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config().CallTimeout)
		defer cancel()
		return pl.Verify(cctx, p.PluginInfo.Options, secretData)
	})
	if err != nil {
		return &model.PluginError{PluginID: ep.PluginID, Op: "verify", Err: err}
	}
	return nil
}

// ProtocolSecret loads the protocol's own secret data, empty when the
// protocol has none.
func (g *Gateway) ProtocolSecret(ctx context.Context, p model.Protocol) (map[string]any, error) {
	id := p.PluginInfo.SecretID
	if id == "" {
		return map[string]any{}, nil
	}
	data, err := g.secrets.GetSecretData(ctx, id, p.DomainID)
	if err != nil {
		return nil, fmt.Errorf("protocol secret: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Material assembles the secret and channel data for one delivery.
func (g *Gateway) Material(ctx context.Context, p model.Protocol, ch model.Channel) (Material, error) {
	var m Material
	data, err := g.ProtocolSecret(ctx, p)
	if err != nil {
		return Material{}, err
	}
	m.SecretData = data
	switch p.DataType() {
	case model.DataSecret:
		if ch.SecretID == "" {
			return Material{}, model.Invalid("secret_id", "channel %s has no secret", ch.ID)
		}
		data, err := g.secrets.GetSecretData(ctx, ch.SecretID, ch.DomainID)
		if err != nil {
			return Material{}, fmt.Errorf("channel secret: %w", err)
		}
		m.ChannelData = data
	default:
		m.ChannelData = ch.Data
	}
	if m.SecretData == nil {
		m.SecretData = map[string]any{}
	}
	if m.ChannelData == nil {
		m.ChannelData = map[string]any{}
	}
	return m, nil
}

// Dispatch initializes the plugin and delivers one message.
func (g *Gateway) Dispatch(ctx context.Context, p model.Protocol, m Material, typ model.NotificationType, message map[string]any) error {
	pl, info, err := g.Initialize(ctx, p)
	if err != nil {
		return err
	}
	if lim := g.limiter(p.ID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	req := DispatchRequest{
		SecretData:  m.SecretData,
		ChannelData: m.ChannelData,
		Type:        typ,
		Message:     message,
		Options:     info.Options,
	}
	err = g.safeCall(info.PluginID, "dispatch", func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config().CallTimeout)
		defer cancel()
		return pl.Dispatch(cctx, req)
	})
	if err != nil {
		return &model.PluginError{PluginID: info.PluginID, Op: "dispatch", Err: err}
	}
	return nil
}

func (g *Gateway) limiter(protocolID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.RatePerSec <= 0 {
		return nil
	}
	lim, ok := g.limiters[protocolID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.Burst)
		g.limiters[protocolID] = lim
	}
	return lim
}

func (g *Gateway) safeCall(pluginID, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic in plugin call",
				logx.String("plugin", pluginID),
				logx.String("op", op),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", op, r)
		}
	}()
	return fn()
}
