// Package dispatch routes a notification for a user, project or domain
// to the channels that should carry it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"notifyrouter/internal/identity"
	"notifyrouter/internal/model"
	"notifyrouter/internal/storage"
	logx "notifyrouter/pkg/logx"
)

// IdentityLookup validates targets and enumerates tenant users.
type IdentityLookup interface {
	GetResource(ctx context.Context, typ model.ResourceType, id, domainID string) (identity.Resource, error)
	ListEnabledUsers(ctx context.Context, domainID string) ([]string, error)
}

type ChannelStore interface {
	ListChannels(ctx context.Context, f storage.ChannelFilter) ([]model.Channel, error)
}

type ProtocolReader interface {
	GetProtocol(ctx context.Context, protocolID, domainID string) (model.Protocol, error)
}

// Delivery is one channel paired with the protocol it is bound to.
type Delivery struct {
	Channel  model.Channel
	Protocol model.Protocol
}

// Resolution is what one target expands to: direct deliveries and user
// ids to dispatch to next.
type Resolution struct {
	Deliveries []Delivery
	Forward    []string
}

type visitKey struct {
	typ model.ResourceType
	id  string
}

// visited guards one dispatch tree against entering the same target twice.
type visited struct {
	mu   sync.Mutex
	seen map[visitKey]struct{}
}

func newVisited() *visited { return &visited{seen: map[visitKey]struct{}{}} }

// enter marks the target and reports whether it was new.
func (v *visited) enter(typ model.ResourceType, id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := visitKey{typ: typ, id: id}
	if _, ok := v.seen[k]; ok {
		return false
	}
	v.seen[k] = struct{}{}
	return true
}

type Resolver struct {
	identity  IdentityLookup
	channels  ChannelStore
	protocols ProtocolReader
	log       logx.Logger
}

func NewResolver(ids IdentityLookup, channels ChannelStore, protocols ProtocolReader, log logx.Logger) *Resolver {
	return &Resolver{identity: ids, channels: channels, protocols: protocols, log: log}
}

// Resolve expands one target. Channels whose protocol cannot be loaded
// are logged and left out.
func (r *Resolver) Resolve(ctx context.Context, typ model.ResourceType, id, domainID string) (Resolution, error) {
	switch typ {
	case model.ResourceDomain:
		users, err := r.identity.ListEnabledUsers(ctx, domainID)
		if err != nil {
			return Resolution{}, fmt.Errorf("list users: %w", err)
		}
		return Resolution{Forward: users}, nil
	case model.ResourceProject:
		return r.project(ctx, id, domainID)
	case model.ResourceUser:
		return r.user(ctx, id, domainID)
	default:
		return Resolution{}, model.Invalid("resource_type", "unsupported resource type %q", typ)
	}
}

func (r *Resolver) user(ctx context.Context, userID, domainID string) (Resolution, error) {
	var res Resolution
	err := r.each(ctx, model.UserChannel, userID, domainID, func(ch model.Channel, p model.Protocol) {
		if p.Type == model.ProtocolInternal {
			r.log.Debug("internal protocol on user channel ignored", logx.String("channel", ch.ID))
			return
		}
		res.Deliveries = append(res.Deliveries, Delivery{Channel: ch, Protocol: p})
	})
	return res, err
}

func (r *Resolver) project(ctx context.Context, projectID, domainID string) (Resolution, error) {
	var res Resolution
	err := r.each(ctx, model.ProjectChannel, projectID, domainID, func(ch model.Channel, p model.Protocol) {
		if p.Type != model.ProtocolInternal {
			res.Deliveries = append(res.Deliveries, Delivery{Channel: ch, Protocol: p})
			return
		}
		if !p.Enabled() {
			r.log.Debug("forward skipped: protocol disabled",
				logx.String("channel", ch.ID),
				logx.String("protocol", p.ID),
			)
			return
		}
		res.Forward = append(res.Forward, ch.ForwardUsers()...)
	})
	return res, err
}

func (r *Resolver) each(ctx context.Context, kind model.ChannelKind, ownerID, domainID string, fn func(model.Channel, model.Protocol)) error {
	chans, err := r.channels.ListChannels(ctx, storage.ChannelFilter{
		Kind:     kind,
		OwnerID:  ownerID,
		DomainID: domainID,
		State:    model.StateEnabled,
	})
	if err != nil {
		return fmt.Errorf("list %s channels: %w", kind, err)
	}
	protos := map[string]model.Protocol{}
	for _, ch := range chans {
		if !ch.Enabled() {
			continue
		}
		p, ok := protos[ch.ProtocolID]
		if !ok {
			p, err = r.protocols.GetProtocol(ctx, ch.ProtocolID, domainID)
			if err != nil {
				if !errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("protocol %s: %w", ch.ProtocolID, err)
				}
				r.log.Warn("channel skipped: protocol missing",
					logx.String("channel", ch.ID),
					logx.String("protocol", ch.ProtocolID),
				)
				continue
			}
			protos[ch.ProtocolID] = p
		}
		fn(ch, p)
	}
	return nil
}
