package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyrouter/internal/eventbus"
	"notifyrouter/internal/task/engine"
	logx "notifyrouter/pkg/logx"
)

type RabbitConfig struct {
	URL            string
	Queue          string
	Prefetch       int
	PublishTimeout time.Duration
	// RequeueDelay is slept before a transient failure is requeued so a
	// broken backend does not spin the consumer.
	RequeueDelay time.Duration
	// Workers bounds deliveries processed at once. Defaults to Prefetch.
	Workers int
	// MaxRetries is how many times a transiently failing job is published
	// again before it is dropped.
	MaxRetries int
}

func (c RabbitConfig) withDefaults() RabbitConfig {
	if c.Queue == "" {
		c.Queue = "notifyrouter.dispatch"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = time.Second
	}
	if c.Workers <= 0 || c.Workers > c.Prefetch {
		c.Workers = c.Prefetch
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Rabbit publishes jobs to a durable queue and consumes them with manual
// acks. Delivery is at least once; the processor's dedup window absorbs
// most redeliveries.
type Rabbit struct {
	cfg  RabbitConfig
	proc *Processor
	bus  eventbus.Bus
	log  logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel

	// redial serializes reconnects so concurrent publishers share one
	// new connection.
	redial sync.Mutex
	// publish and dial default to the broker; tests replace them.
	publish func(ctx context.Context, msg amqp.Publishing) error
	dial    func() error
}

func DialRabbit(cfg RabbitConfig, proc *Processor, bus eventbus.Bus, log logx.Logger) (*Rabbit, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	r := &Rabbit{cfg: cfg, proc: proc, bus: bus, log: log}
	r.publish, r.dial = r.publishAMQP, r.connect
	if err := r.dial(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rabbit) connect() error {
	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(r.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq declare %s: %w", r.cfg.Queue, err)
	}
	r.mu.Lock()
	r.conn, r.pub = conn, ch
	r.mu.Unlock()
	return nil
}

// channel returns the publish channel, reconnecting when the connection
// has dropped.
func (r *Rabbit) channel() (*amqp.Channel, error) {
	if ch, ok := r.live(); ok {
		return ch, nil
	}
	r.redial.Lock()
	defer r.redial.Unlock()
	if ch, ok := r.live(); ok {
		return ch, nil
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	r.log.Warn("rabbitmq connection lost; reconnecting")
	if err := r.dial(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pub, nil
}

func (r *Rabbit) live() (*amqp.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() && r.pub != nil && !r.pub.IsClosed() {
		return r.pub, true
	}
	return nil, false
}

func (r *Rabbit) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return engine.Permanent(err)
	}
	err = r.publish(ctx, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    job.ID,
		Timestamp:    job.At,
		Body:         body,
	})
	if err != nil {
		return err
	}
	eventbus.Publish(r.bus, eventbus.DispatchQueued, eventbus.DispatchEvent{JobID: job.ID, ProtocolID: job.ProtocolID, ChannelID: job.ChannelID, DomainID: job.DomainID})
	return nil
}

func (r *Rabbit) publishAMQP(ctx context.Context, msg amqp.Publishing) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	r.mu.Lock()
	err = ch.PublishWithContext(pctx, "", r.cfg.Queue, false, false, msg)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Consume processes deliveries until ctx ends or the channel closes.
// A closed channel is returned as an error so a supervisor restarts it.
func (r *Rabbit) Consume(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		if _, err := r.channel(); err != nil {
			return err
		}
		r.mu.Lock()
		conn = r.conn
		r.mu.Unlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, r.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}
	r.log.Info("rabbitmq consumer started", logx.String("queue", r.cfg.Queue), logx.Int("prefetch", r.cfg.Prefetch), logx.Int("workers", r.cfg.Workers))

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, r.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("rabbitmq deliveries closed")
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				r.handle(ctx, d)
			}()
		}
	}
}

const retryHeader = "x-retry"

func retries(d amqp.Delivery) int {
	switch v := d.Headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// handle acks on success and drops permanent failures. A transient failure
// is published again with its retry count raised and the original acked;
// past MaxRetries the job is dropped.
func (r *Rabbit) handle(ctx context.Context, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		r.log.Error("rabbitmq: undecodable job dropped", logx.String("message_id", d.MessageId), logx.Err(err))
		_ = d.Nack(false, false)
		return
	}

	err := r.proc.Process(ctx, job)
	switch {
	case err == nil:
		if aerr := d.Ack(false); aerr != nil {
			r.log.Warn("rabbitmq ack failed", logx.String("job", job.ID), logx.Err(aerr))
		}
		return
	case engine.IsPermanent(err):
		r.log.Warn("rabbitmq: job dropped", logx.String("job", job.ID), logx.Err(err))
		_ = d.Nack(false, false)
		return
	}

	n := retries(d) + 1
	if n > r.cfg.MaxRetries {
		r.log.Warn("rabbitmq: job dropped after retries", logx.String("job", job.ID), logx.Int("retries", n-1), logx.Err(err))
		_ = d.Nack(false, false)
		return
	}

	t := time.NewTimer(r.cfg.RequeueDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		_ = d.Nack(false, true)
		return
	case <-t.C:
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(n)
	perr := r.publish(ctx, amqp.Publishing{
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	})
	if perr != nil {
		r.log.Warn("rabbitmq: retry publish failed; requeueing", logx.String("job", job.ID), logx.Err(perr))
		_ = d.Nack(false, true)
		return
	}
	r.log.Debug("rabbitmq: job retried", logx.String("job", job.ID), logx.Int("retry", n), logx.Err(err))
	_ = d.Ack(false)
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn, r.pub = nil, nil
	return err
}
