package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyrouter/internal/eventbus"
	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/task/engine"
	"notifyrouter/internal/usage"
	logx "notifyrouter/pkg/logx"
)

type ProtocolReader interface {
	GetProtocol(ctx context.Context, protocolID, domainID string) (model.Protocol, error)
}

// Ledger is the quota and counter side of usage tracking. Reserve takes
// capacity before the plugin call; the reservation is committed on
// delivery and canceled on failure.
type Ledger interface {
	Reserve(ctx context.Context, p model.Protocol, count int64) (*usage.Reservation, error)
	RecordFailure(ctx context.Context, p model.Protocol, count int64) error
}

type Gateway interface {
	Dispatch(ctx context.Context, p model.Protocol, m plugin.Material, typ model.NotificationType, message map[string]any) error
}

// DedupStore remembers delivered job ids until a deadline.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type ProcessorConfig struct {
	// DedupWindow is how long a delivered job id suppresses redelivery.
	// Zero disables dedup.
	DedupWindow time.Duration
}

type Processor struct {
	protocols ProtocolReader
	ledger    Ledger
	gateway   Gateway
	dedup     DedupStore
	cfg       ProcessorConfig
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
}

func NewProcessor(protocols ProtocolReader, ledger Ledger, gateway Gateway, dedup DedupStore, cfg ProcessorConfig, bus eventbus.Bus, log logx.Logger) *Processor {
	return &Processor{
		protocols: protocols,
		ledger:    ledger,
		gateway:   gateway,
		dedup:     dedup,
		cfg:       cfg,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// Process runs one job: dedup, protocol state, quota, plugin dispatch,
// usage counters. Permanent failures come back wrapped in engine.Permanent;
// anything else is worth retrying.
func (p *Processor) Process(ctx context.Context, job Job) error {
	if job.ID == "" || job.ProtocolID == "" {
		return engine.Permanent(model.Invalid("job", "job id and protocol id are required"))
	}
	ev := eventbus.DispatchEvent{JobID: job.ID, ProtocolID: job.ProtocolID, ChannelID: job.ChannelID, DomainID: job.DomainID}
	log := p.log.With(logx.String("job", job.ID), logx.String("protocol", job.ProtocolID))

	if p.delivered(ctx, job.ID) {
		log.Debug("job already delivered")
		ev.Reason = "duplicate"
		eventbus.Publish(p.bus, eventbus.DispatchSkipped, ev)
		return nil
	}

	proto, err := p.protocols.GetProtocol(ctx, job.ProtocolID, job.DomainID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return engine.Permanent(err)
		}
		return fmt.Errorf("load protocol: %w", err)
	}
	if !proto.Enabled() {
		log.Info("protocol disabled; job skipped")
		ev.Reason = "protocol_disabled"
		eventbus.Publish(p.bus, eventbus.DispatchSkipped, ev)
		return nil
	}

	res, err := p.ledger.Reserve(ctx, proto, 1)
	if err != nil {
		if !errors.Is(err, model.ErrQuotaExceeded) {
			// Only reached with usage.fail_open off: the counters could
			// not be read, so the job is not sent.
			log.Warn("quota check failed; job dropped", logx.Err(err))
			ev.Reason = "quota_unavailable"
			eventbus.Publish(p.bus, eventbus.DispatchFailed, ev)
			return engine.Permanent(fmt.Errorf("quota check: %w", err))
		}
		p.recordFailure(ctx, log, proto)
		log.Warn("quota exceeded; job dropped", logx.Err(err))
		ev.Reason = err.Error()
		eventbus.Publish(p.bus, eventbus.DispatchFailed, ev)
		return engine.Permanent(err)
	}

	material := plugin.Material{SecretData: job.SecretData, ChannelData: job.ChannelData}
	if err := p.gateway.Dispatch(ctx, proto, material, job.Type, job.Message); err != nil {
		if cerr := res.Cancel(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("record failed usage failed", logx.Err(cerr))
		}
		log.Warn("dispatch failed", logx.Err(err))
		ev.Reason = err.Error()
		eventbus.Publish(p.bus, eventbus.DispatchFailed, ev)
		if permanent(err) {
			return engine.Permanent(err)
		}
		return err
	}

	res.Commit()
	p.markDelivered(ctx, log, job.ID)
	log.Debug("job delivered")
	eventbus.Publish(p.bus, eventbus.DispatchDelivered, ev)
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, model.ErrPluginVersion) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvalidArgument)
}

func (p *Processor) recordFailure(ctx context.Context, log logx.Logger, proto model.Protocol) {
	if err := p.ledger.RecordFailure(ctx, proto, 1); err != nil {
		log.Warn("record failed usage failed", logx.Err(err))
	}
}

func (p *Processor) delivered(ctx context.Context, jobID string) bool {
	if p.dedup == nil || p.cfg.DedupWindow <= 0 {
		return false
	}
	until, ok, err := p.dedup.GetDedup(ctx, jobID)
	if err != nil {
		p.log.Debug("dedup read failed", logx.String("job", jobID), logx.Err(err))
		return false
	}
	return ok && p.now().Before(until)
}

func (p *Processor) markDelivered(ctx context.Context, log logx.Logger, jobID string) {
	if p.dedup == nil || p.cfg.DedupWindow <= 0 {
		return
	}
	if err := p.dedup.PutDedup(ctx, jobID, p.now().Add(p.cfg.DedupWindow)); err != nil {
		log.Debug("dedup write failed", logx.Err(err))
	}
}
