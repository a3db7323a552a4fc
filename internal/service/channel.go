package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/schedule"
	"notifyrouter/internal/storage"
	logx "notifyrouter/pkg/logx"
)

type ChannelStore interface {
	CreateChannel(ctx context.Context, c model.Channel) error
	UpdateChannel(ctx context.Context, c model.Channel) error
	GetChannel(ctx context.Context, kind model.ChannelKind, channelID, domainID string) (model.Channel, error)
	ListChannels(ctx context.Context, f storage.ChannelFilter) ([]model.Channel, error)
	DeleteChannel(ctx context.Context, kind model.ChannelKind, channelID, domainID string) error
}

type ProtocolGetter interface {
	GetProtocol(ctx context.Context, protocolID, domainID string) (model.Protocol, error)
}

// Channels manages user and project channels. The two kinds share one
// table and differ only in owner type and severity floor.
type Channels struct {
	store     ChannelStore
	protocols ProtocolGetter
	identity  IdentityLookup
	secrets   SecretStore
	log       logx.Logger
	cfg       atomic.Pointer[Config]
	now       func() time.Time
}

func NewChannels(store ChannelStore, protocols ProtocolGetter, ids IdentityLookup, secrets SecretStore, cfg Config, log logx.Logger) *Channels {
	s := &Channels{
		store:     store,
		protocols: protocols,
		identity:  ids,
		secrets:   secrets,
		log:       log,
		now:       time.Now,
	}
	s.Apply(cfg)
	return s
}

func (s *Channels) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
}

func ownerType(kind model.ChannelKind) (model.ResourceType, error) {
	switch kind {
	case model.UserChannel:
		return model.ResourceUser, nil
	case model.ProjectChannel:
		return model.ResourceProject, nil
	}
	return "", model.Invalid("kind", "unknown channel kind %q", kind)
}

type CreateChannelRequest struct {
	Kind              model.ChannelKind
	OwnerID           string
	ProtocolID        string
	Name              string
	Data              map[string]any
	IsSubscribe       bool
	Subscriptions     []string
	IsScheduled       bool
	Schedule          *model.Schedule
	NotificationLevel model.Level
	Tags              map[string]string
	DomainID          string
}

func (s *Channels) Create(ctx context.Context, req CreateChannelRequest) (model.Channel, error) {
	typ, err := ownerType(req.Kind)
	if err != nil {
		return model.Channel{}, err
	}
	err = firstErr(
		required("owner_id", req.OwnerID),
		required("protocol_id", req.ProtocolID),
		required("name", req.Name),
		required("domain_id", req.DomainID),
	)
	if err != nil {
		return model.Channel{}, err
	}
	if req.Data == nil {
		return model.Channel{}, model.Invalid("data", "required")
	}
	if _, err := s.identity.GetResource(ctx, typ, req.OwnerID, req.DomainID); err != nil {
		return model.Channel{}, err
	}
	p, err := s.protocols.GetProtocol(ctx, req.ProtocolID, req.DomainID)
	if err != nil {
		return model.Channel{}, err
	}
	if !p.Enabled() {
		return model.Channel{}, fmt.Errorf("protocol %s: %w", p.ID, model.ErrProtocolDisabled)
	}
	if req.Kind == model.UserChannel && p.Type == model.ProtocolInternal {
		return model.Channel{}, fmt.Errorf("user channel on internal protocol %s: %w", p.ID, model.ErrNotAllowed)
	}
	if err := validateData(p, req.Data); err != nil {
		return model.Channel{}, err
	}

	cfg := *s.cfg.Load()
	ch := model.Channel{
		Kind:        req.Kind,
		Name:        req.Name,
		OwnerID:     req.OwnerID,
		ProtocolID:  p.ID,
		State:       model.StateEnabled,
		Data:        copyMap(req.Data),
		IsSubscribe: req.IsSubscribe,
		Tags:        req.Tags,
		DomainID:    req.DomainID,
		CreatedAt:   s.now().UTC(),
	}
	if len(p.Capability.SupportedSchema) > 0 {
		ch.Schema = p.Capability.SupportedSchema[0]
	}
	if req.IsSubscribe {
		ch.Subscriptions = append([]string(nil), req.Subscriptions...)
	}
	if ch.IsScheduled, ch.Schedule, err = checkSchedule(req.IsScheduled, req.Schedule, cfg.AllowOvernightSchedule); err != nil {
		return model.Channel{}, err
	}
	if req.Kind == model.ProjectChannel {
		if ch.NotificationLevel, err = checkLevel(req.NotificationLevel); err != nil {
			return model.Channel{}, err
		}
	}

	prefix := string(req.Kind) + "-ch"
	if p.DataType() == model.DataSecret {
		id, err := s.secrets.CreateSecret(ctx, prefix, ch.Schema, ch.Data, req.DomainID)
		if err != nil {
			return model.Channel{}, fmt.Errorf("store channel secret: %w", err)
		}
		ch.SecretID = id
		ch.Data = map[string]any{}
	}

	ch.ID = prefix + "-" + uuid.NewString()
	if err := s.store.CreateChannel(ctx, ch); err != nil {
		if ch.SecretID != "" {
			_ = s.secrets.DeleteSecret(ctx, ch.SecretID, req.DomainID)
		}
		return model.Channel{}, err
	}
	s.log.Info("channel created",
		logx.String("channel", ch.ID),
		logx.String("owner", ch.OwnerID),
		logx.String("protocol", ch.ProtocolID),
	)
	return ch, nil
}

// validateData checks channel data against the keys the protocol's plugin
// requires. INTERNAL project channels must list the users they forward to.
func validateData(p model.Protocol, data map[string]any) error {
	if p.Type == model.ProtocolInternal {
		ch := model.Channel{Data: data}
		if len(ch.ForwardUsers()) == 0 {
			return model.Invalid("data.users", "at least one user id is required")
		}
		return nil
	}
	for _, k := range plugin.RequiredKeys(p.PluginInfo.Metadata) {
		v, ok := data[k]
		if !ok || v == nil || v == "" {
			return model.Invalid("data."+k, "required by protocol %s", p.ID)
		}
	}
	return nil
}

func checkSchedule(on bool, s *model.Schedule, allowOvernight bool) (bool, *model.Schedule, error) {
	if !on {
		return false, nil, nil
	}
	if s == nil {
		return false, nil, model.Invalid("schedule", "required when is_scheduled is true")
	}
	if err := schedule.Validate(*s, allowOvernight); err != nil {
		return false, nil, err
	}
	n := schedule.Normalize(*s)
	return true, &n, nil
}

func checkLevel(l model.Level) (model.Level, error) {
	if l == "" {
		return model.LevelAll, nil
	}
	if !l.Valid() {
		return "", model.Invalid("notification_level", "unknown level %q", l)
	}
	return l, nil
}

type UpdateChannelRequest struct {
	Kind      model.ChannelKind
	ChannelID string
	DomainID  string
	Name      *string
	// Data replaces the channel data when non-nil. Secret-backed channels
	// rewrite their secret instead.
	Data              map[string]any
	NotificationLevel model.Level
	Tags              map[string]string
}

func (s *Channels) Update(ctx context.Context, req UpdateChannelRequest) (model.Channel, error) {
	ch, err := s.Get(ctx, req.Kind, req.ChannelID, req.DomainID)
	if err != nil {
		return model.Channel{}, err
	}
	if req.Name != nil {
		if *req.Name == "" {
			return model.Channel{}, model.Invalid("name", "must not be empty")
		}
		ch.Name = *req.Name
	}
	if req.Data != nil {
		if ch.SecretID != "" {
			if err := s.secrets.UpdateSecretData(ctx, ch.SecretID, ch.DomainID, req.Data); err != nil {
				return model.Channel{}, err
			}
			ch.Data = map[string]any{}
		} else {
			p, err := s.protocols.GetProtocol(ctx, ch.ProtocolID, ch.DomainID)
			if err != nil {
				return model.Channel{}, err
			}
			if err := validateData(p, req.Data); err != nil {
				return model.Channel{}, err
			}
			ch.Data = copyMap(req.Data)
		}
	}
	if req.NotificationLevel != "" {
		if ch.Kind != model.ProjectChannel {
			return model.Channel{}, model.Invalid("notification_level", "only project channels have a severity floor")
		}
		if ch.NotificationLevel, err = checkLevel(req.NotificationLevel); err != nil {
			return model.Channel{}, err
		}
	}
	if req.Tags != nil {
		ch.Tags = req.Tags
	}
	return ch, s.store.UpdateChannel(ctx, ch)
}

type SetScheduleRequest struct {
	Kind        model.ChannelKind
	ChannelID   string
	DomainID    string
	IsScheduled bool
	Schedule    *model.Schedule
}

func (s *Channels) SetSchedule(ctx context.Context, req SetScheduleRequest) (model.Channel, error) {
	ch, err := s.Get(ctx, req.Kind, req.ChannelID, req.DomainID)
	if err != nil {
		return model.Channel{}, err
	}
	on, sched, err := checkSchedule(req.IsScheduled, req.Schedule, s.cfg.Load().AllowOvernightSchedule)
	if err != nil {
		return model.Channel{}, err
	}
	ch.IsScheduled, ch.Schedule = on, sched
	return ch, s.store.UpdateChannel(ctx, ch)
}

type SetSubscriptionRequest struct {
	Kind          model.ChannelKind
	ChannelID     string
	DomainID      string
	IsSubscribe   bool
	Subscriptions []string
}

// SetSubscription clears the topic list when subscription gating is off.
func (s *Channels) SetSubscription(ctx context.Context, req SetSubscriptionRequest) (model.Channel, error) {
	ch, err := s.Get(ctx, req.Kind, req.ChannelID, req.DomainID)
	if err != nil {
		return model.Channel{}, err
	}
	ch.IsSubscribe = req.IsSubscribe
	ch.Subscriptions = nil
	if req.IsSubscribe {
		ch.Subscriptions = append([]string(nil), req.Subscriptions...)
	}
	return ch, s.store.UpdateChannel(ctx, ch)
}

func (s *Channels) Enable(ctx context.Context, kind model.ChannelKind, channelID, domainID string) (model.Channel, error) {
	return s.setState(ctx, kind, channelID, domainID, model.StateEnabled)
}

func (s *Channels) Disable(ctx context.Context, kind model.ChannelKind, channelID, domainID string) (model.Channel, error) {
	return s.setState(ctx, kind, channelID, domainID, model.StateDisabled)
}

func (s *Channels) setState(ctx context.Context, kind model.ChannelKind, channelID, domainID string, state model.State) (model.Channel, error) {
	ch, err := s.Get(ctx, kind, channelID, domainID)
	if err != nil {
		return model.Channel{}, err
	}
	ch.State = state
	return ch, s.store.UpdateChannel(ctx, ch)
}

// Delete removes the channel and its secret.
func (s *Channels) Delete(ctx context.Context, kind model.ChannelKind, channelID, domainID string) error {
	ch, err := s.Get(ctx, kind, channelID, domainID)
	if err != nil {
		return err
	}
	if ch.SecretID != "" {
		if err := s.secrets.DeleteSecret(ctx, ch.SecretID, domainID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	if err := s.store.DeleteChannel(ctx, kind, channelID, domainID); err != nil {
		return err
	}
	s.log.Info("channel deleted", logx.String("channel", channelID))
	return nil
}

func (s *Channels) Get(ctx context.Context, kind model.ChannelKind, channelID, domainID string) (model.Channel, error) {
	if _, err := ownerType(kind); err != nil {
		return model.Channel{}, err
	}
	return s.store.GetChannel(ctx, kind, channelID, domainID)
}

func (s *Channels) List(ctx context.Context, f storage.ChannelFilter) ([]model.Channel, error) {
	if _, err := ownerType(f.Kind); err != nil {
		return nil, err
	}
	if err := required("domain_id", f.DomainID); err != nil {
		return nil, err
	}
	return s.store.ListChannels(ctx, f)
}
