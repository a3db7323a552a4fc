package queue

import (
	"context"
	"time"

	"notifyrouter/internal/eventbus"
	"notifyrouter/internal/task/engine"
	logx "notifyrouter/pkg/logx"
)

// Inline delivers on the caller's goroutine. Used for dispatch.mode sync.
type Inline struct {
	proc *Processor
}

func NewInline(proc *Processor) *Inline { return &Inline{proc: proc} }

func (q *Inline) Enqueue(ctx context.Context, job Job) error {
	return q.proc.Process(ctx, job)
}

type EngineConfig struct {
	// Block makes Enqueue wait for queue room instead of failing fast.
	Block bool
	// PerProtocol caps concurrent deliveries through one protocol. 0 is unlimited.
	PerProtocol int
	Timeout     time.Duration
	RetryMax    int
}

// Engine runs jobs on the in-process task engine. Task names are
// per protocol so a failing backend trips its own circuit breaker.
type Engine struct {
	eng  *engine.Service
	proc *Processor
	cfg  EngineConfig
	bus  eventbus.Bus
	log  logx.Logger
}

func NewEngine(eng *engine.Service, proc *Processor, cfg EngineConfig, bus eventbus.Bus, log logx.Logger) *Engine {
	return &Engine{eng: eng, proc: proc, cfg: cfg, bus: bus, log: log}
}

func (q *Engine) Enqueue(ctx context.Context, job Job) error {
	t := engine.Task{
		ID:             job.ID,
		Name:           "dispatch:" + job.ProtocolID,
		Timeout:        q.cfg.Timeout,
		ConcurrencyKey: "protocol:" + job.ProtocolID,
		Opt: engine.TaskOptions{
			Overlap:          engine.OverlapAllow,
			RetryMax:         q.cfg.RetryMax,
			ConcurrencyLimit: q.cfg.PerProtocol,
		},
		Run: func(ctx context.Context) error { return q.proc.Process(ctx, job) },
	}
	var err error
	if q.cfg.Block {
		err = q.eng.Submit(ctx, t)
	} else {
		err = q.eng.Enqueue(t)
	}
	if err != nil {
		q.log.Warn("enqueue dispatch job failed", logx.String("job", job.ID), logx.String("protocol", job.ProtocolID), logx.Err(err))
		return err
	}
	eventbus.Publish(q.bus, eventbus.DispatchQueued, eventbus.DispatchEvent{JobID: job.ID, ProtocolID: job.ProtocolID, ChannelID: job.ChannelID, DomainID: job.DomainID})
	return nil
}
