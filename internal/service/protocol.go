package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notifyrouter/internal/cache"
	"notifyrouter/internal/model"
	"notifyrouter/internal/storage"
	logx "notifyrouter/pkg/logx"
)

// DefaultProtocolName is the INTERNAL protocol every tenant gets. Project
// channels bound to it forward notifications to member users.
const DefaultProtocolName = "Notify User"

type ProtocolStore interface {
	CreateProtocol(ctx context.Context, p model.Protocol) error
	UpdateProtocol(ctx context.Context, p model.Protocol) error
	GetProtocol(ctx context.Context, protocolID, domainID string) (model.Protocol, error)
	ListProtocols(ctx context.Context, f storage.ProtocolFilter) ([]model.Protocol, error)
	DeleteProtocol(ctx context.Context, protocolID, domainID string) error
	CountChannelsByProtocol(ctx context.Context, protocolID string) (int, error)
}

type Protocols struct {
	store   ProtocolStore
	plugins PluginRegistry
	gateway PluginGateway
	secrets SecretStore
	cache   cache.Cache
	log     logx.Logger
	cfg     atomic.Pointer[Config]
	now     func() time.Time
}

func NewProtocols(store ProtocolStore, plugins PluginRegistry, gateway PluginGateway, secrets SecretStore, c cache.Cache, cfg Config, log logx.Logger) *Protocols {
	s := &Protocols{
		store:   store,
		plugins: plugins,
		gateway: gateway,
		secrets: secrets,
		cache:   c,
		log:     log,
		now:     time.Now,
	}
	s.Apply(cfg)
	return s
}

func (s *Protocols) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
}

type PluginInfoRequest struct {
	PluginID    string
	Version     string
	UpgradeMode model.UpgradeMode
	Options     map[string]any
	SecretData  map[string]any
	Schema      string
}

func (r PluginInfoRequest) validate() error {
	if r.PluginID == "" {
		return model.Invalid("plugin_info.plugin_id", "required")
	}
	if r.SecretData != nil && r.Schema == "" {
		return model.Invalid("plugin_info.schema", "required with secret_data")
	}
	switch r.UpgradeMode {
	case "", model.UpgradeAuto:
	case model.UpgradeManual:
		if r.Version == "" {
			return model.Invalid("plugin_info.version", "required for MANUAL upgrade mode")
		}
	default:
		return model.Invalid("plugin_info.upgrade_mode", "unknown mode %q", r.UpgradeMode)
	}
	return nil
}

type CreateProtocolRequest struct {
	Name       string
	PluginInfo PluginInfoRequest
	Tags       map[string]string
	DomainID   string
}

// Create registers an EXTERNAL protocol: the plugin must exist and declare
// its supported schemas, and it must initialize with the given options.
// Secret data is verified by the plugin and stored as a secret.
func (s *Protocols) Create(ctx context.Context, req CreateProtocolRequest) (model.Protocol, error) {
	if err := firstErr(required("name", req.Name), required("domain_id", req.DomainID), req.PluginInfo.validate()); err != nil {
		return model.Protocol{}, err
	}
	pi := req.PluginInfo
	info, err := s.plugins.GetPlugin(ctx, pi.PluginID, req.DomainID)
	if err != nil {
		return model.Protocol{}, err
	}
	if pi.Version != "" {
		if err := s.checkVersion(ctx, pi.PluginID, pi.Version, req.DomainID); err != nil {
			return model.Protocol{}, err
		}
	}
	if len(info.Capability.SupportedSchema) == 0 {
		return model.Protocol{}, model.Invalid("capability.supported_schema", "plugin %s declares no schema", pi.PluginID)
	}

	mode := pi.UpgradeMode
	if mode == "" {
		mode = model.UpgradeAuto
	}
	p := model.Protocol{
		Name:         req.Name,
		State:        model.StateEnabled,
		Type:         model.ProtocolExternal,
		ResourceType: model.ResourceUser,
		Capability:   model.Capability{SupportedSchema: append([]string(nil), info.Capability.SupportedSchema...)},
		PluginInfo: model.PluginInfo{
			PluginID:    pi.PluginID,
			Version:     pi.Version,
			UpgradeMode: mode,
			Options:     copyMap(pi.Options),
		},
		Tags:      req.Tags,
		DomainID:  req.DomainID,
		CreatedAt: s.now().UTC(),
	}
	if p.PluginInfo.Options == nil {
		p.PluginInfo.Options = map[string]any{}
	}
	_, refreshed, err := s.gateway.Initialize(ctx, p)
	if err != nil {
		return model.Protocol{}, err
	}
	p.PluginInfo = refreshed

	if pi.SecretData != nil {
		if err := s.gateway.Verify(ctx, p, pi.SecretData); err != nil {
			return model.Protocol{}, err
		}
		id, err := s.secrets.CreateSecret(ctx, "protocol-"+pi.PluginID, pi.Schema, pi.SecretData, req.DomainID)
		if err != nil {
			return model.Protocol{}, fmt.Errorf("store protocol secret: %w", err)
		}
		p.PluginInfo.SecretID = id
		p.PluginInfo.Schema = pi.Schema
	}

	p.ID = "protocol-" + uuid.NewString()
	if err := s.store.CreateProtocol(ctx, p); err != nil {
		if p.PluginInfo.SecretID != "" {
			_ = s.secrets.DeleteSecret(ctx, p.PluginInfo.SecretID, req.DomainID)
		}
		return model.Protocol{}, err
	}
	s.log.Info("protocol created",
		logx.String("protocol", p.ID),
		logx.String("plugin", p.PluginInfo.PluginID),
		logx.String("version", p.PluginInfo.Version),
		logx.String("domain", p.DomainID),
	)
	return p, nil
}

func (s *Protocols) checkVersion(ctx context.Context, pluginID, version, domainID string) error {
	versions, err := s.plugins.ListVersions(ctx, pluginID, domainID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v == version {
			return nil
		}
	}
	return &model.InvalidPluginVersionError{PluginID: pluginID, Version: version}
}

type UpdateProtocolRequest struct {
	ProtocolID string
	DomainID   string
	Name       *string
	Tags       map[string]string
}

// Update changes name and tags. INTERNAL protocols are fixed.
func (s *Protocols) Update(ctx context.Context, req UpdateProtocolRequest) (model.Protocol, error) {
	p, err := s.external(ctx, req.ProtocolID, req.DomainID)
	if err != nil {
		return model.Protocol{}, err
	}
	if req.Name != nil {
		if *req.Name == "" {
			return model.Protocol{}, model.Invalid("name", "must not be empty")
		}
		p.Name = *req.Name
	}
	if req.Tags != nil {
		p.Tags = req.Tags
	}
	if err := s.store.UpdateProtocol(ctx, p); err != nil {
		return model.Protocol{}, err
	}
	return p, nil
}

type UpdatePluginRequest struct {
	ProtocolID string
	DomainID   string
	// Version pins a new version. Only used in MANUAL mode.
	Version string
	// Options replaces the plugin options when non-nil.
	Options map[string]any
}

// UpdatePlugin re-initializes the protocol's plugin. AUTO protocols move
// to the latest version; MANUAL protocols move only when a version is
// given and the registry has it.
func (s *Protocols) UpdatePlugin(ctx context.Context, req UpdatePluginRequest) (model.Protocol, error) {
	p, err := s.external(ctx, req.ProtocolID, req.DomainID)
	if err != nil {
		return model.Protocol{}, err
	}
	s.gateway.InvalidateEndpoint(ctx, p)

	if req.Options != nil {
		p.PluginInfo.Options = copyMap(req.Options)
	}
	if p.PluginInfo.UpgradeMode == model.UpgradeManual && req.Version != "" {
		if err := s.checkVersion(ctx, p.PluginInfo.PluginID, req.Version, req.DomainID); err != nil {
			return model.Protocol{}, err
		}
		p.PluginInfo.Version = req.Version
	}

	unsaved := p
	unsaved.ID = ""
	_, refreshed, err := s.gateway.Initialize(ctx, unsaved)
	if err != nil {
		return model.Protocol{}, err
	}
	p.PluginInfo = refreshed
	if err := s.store.UpdateProtocol(ctx, p); err != nil {
		return model.Protocol{}, err
	}
	s.log.Info("protocol plugin updated",
		logx.String("protocol", p.ID),
		logx.String("version", p.PluginInfo.Version),
	)
	return p, nil
}

func (s *Protocols) external(ctx context.Context, protocolID, domainID string) (model.Protocol, error) {
	p, err := s.store.GetProtocol(ctx, protocolID, domainID)
	if err != nil {
		return model.Protocol{}, err
	}
	if p.Type == model.ProtocolInternal {
		return model.Protocol{}, fmt.Errorf("protocol %s is internal: %w", protocolID, model.ErrNotAllowed)
	}
	return p, nil
}

func (s *Protocols) Enable(ctx context.Context, protocolID, domainID string) (model.Protocol, error) {
	return s.setState(ctx, protocolID, domainID, model.StateEnabled)
}

func (s *Protocols) Disable(ctx context.Context, protocolID, domainID string) (model.Protocol, error) {
	return s.setState(ctx, protocolID, domainID, model.StateDisabled)
}

func (s *Protocols) setState(ctx context.Context, protocolID, domainID string, state model.State) (model.Protocol, error) {
	p, err := s.store.GetProtocol(ctx, protocolID, domainID)
	if err != nil {
		return model.Protocol{}, err
	}
	if p.State == state {
		return p, nil
	}
	p.State = state
	if err := s.store.UpdateProtocol(ctx, p); err != nil {
		return model.Protocol{}, err
	}
	s.log.Info("protocol state changed", logx.String("protocol", p.ID), logx.String("state", string(state)))
	return p, nil
}

// Delete removes a protocol no channel uses, along with its secret.
func (s *Protocols) Delete(ctx context.Context, protocolID, domainID string) error {
	p, err := s.store.GetProtocol(ctx, protocolID, domainID)
	if err != nil {
		return err
	}
	n, err := s.store.CountChannelsByProtocol(ctx, p.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("protocol %s has %d channels: %w", p.ID, n, model.ErrProtocolInUse)
	}
	if id := p.PluginInfo.SecretID; id != "" {
		if err := s.secrets.DeleteSecret(ctx, id, domainID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	if err := s.store.DeleteProtocol(ctx, p.ID, domainID); err != nil {
		return err
	}
	s.gateway.InvalidateEndpoint(ctx, p)
	s.log.Info("protocol deleted", logx.String("protocol", p.ID), logx.String("domain", domainID))
	return nil
}

func (s *Protocols) Get(ctx context.Context, protocolID, domainID string) (model.Protocol, error) {
	s.ensureDefaultsQuiet(ctx, domainID)
	return s.store.GetProtocol(ctx, protocolID, domainID)
}

func (s *Protocols) List(ctx context.Context, f storage.ProtocolFilter) ([]model.Protocol, error) {
	if err := required("domain_id", f.DomainID); err != nil {
		return nil, err
	}
	s.ensureDefaultsQuiet(ctx, f.DomainID)
	return s.store.ListProtocols(ctx, f)
}

func (s *Protocols) ensureDefaultsQuiet(ctx context.Context, domainID string) {
	if err := s.EnsureDefaults(ctx, domainID); err != nil {
		s.log.Warn("ensure default protocols failed", logx.String("domain", domainID), logx.Err(err))
	}
}

func defaultsKey(domainID string) string { return "default-protocol:" + domainID }

// EnsureDefaults creates the default INTERNAL protocol and the configured
// installed protocols a tenant is missing. A tenant that was checked is
// remembered in the cache for DefaultsTTL.
func (s *Protocols) EnsureDefaults(ctx context.Context, domainID string) error {
	if domainID == "" {
		return model.Invalid("domain_id", "required")
	}
	key := defaultsKey(domainID)
	if s.cache != nil {
		if _, err := s.cache.Get(ctx, key); err == nil {
			return nil
		}
	}

	existing, err := s.store.ListProtocols(ctx, storage.ProtocolFilter{DomainID: domainID})
	if err != nil {
		return err
	}
	names := map[string]bool{}
	plugins := map[string]bool{}
	for _, p := range existing {
		names[p.Name] = true
		if p.PluginInfo.PluginID != "" {
			plugins[p.PluginInfo.PluginID] = true
		}
	}

	if !names[DefaultProtocolName] {
		p := model.Protocol{
			ID:           "protocol-" + uuid.NewString(),
			Name:         DefaultProtocolName,
			State:        model.StateEnabled,
			Type:         model.ProtocolInternal,
			ResourceType: model.ResourceUser,
			Capability:   model.Capability{SupportedSchema: []string{"notify_user"}},
			PluginInfo: model.PluginInfo{
				Metadata: map[string]any{"data_type": string(model.DataPlainText)},
			},
			DomainID:  domainID,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.CreateProtocol(ctx, p); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return fmt.Errorf("create default protocol: %w", err)
		}
		s.log.Debug("default protocol created", logx.String("domain", domainID))
	}

	cfg := *s.cfg.Load()
	for _, ip := range cfg.Installed {
		if plugins[ip.PluginID] || names[ip.Name] {
			continue
		}
		_, err := s.Create(ctx, CreateProtocolRequest{
			Name: ip.Name,
			PluginInfo: PluginInfoRequest{
				PluginID:    ip.PluginID,
				Version:     ip.Version,
				UpgradeMode: ip.UpgradeMode,
				Options:     ip.Options,
				SecretData:  ip.SecretData,
				Schema:      ip.Schema,
			},
			Tags:     ip.Tags,
			DomainID: domainID,
		})
		if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			s.log.Error("install protocol failed",
				logx.String("domain", domainID),
				logx.String("plugin", ip.PluginID),
				logx.Err(err),
			)
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte("1"), cfg.DefaultsTTL); err != nil {
			s.log.Debug("defaults marker not cached", logx.String("domain", domainID), logx.Err(err))
		}
	}
	return nil
}
