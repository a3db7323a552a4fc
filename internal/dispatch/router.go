package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notifyrouter/internal/filter"
	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/queue"
	"notifyrouter/internal/schedule"
	logx "notifyrouter/pkg/logx"
)

// MaterialSource assembles delivery credentials.
type MaterialSource interface {
	Material(ctx context.Context, p model.Protocol, ch model.Channel) (plugin.Material, error)
	ProtocolSecret(ctx context.Context, p model.Protocol) (map[string]any, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n model.Notification) error
}

type Config struct {
	// FanoutWorkers bounds concurrent user sub-dispatches of one request.
	FanoutWorkers int
	// Location is the clock schedules are evaluated in.
	Location *time.Location
	Severity filter.SeverityPolicy
}

func (c Config) withDefaults() Config {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Deps struct {
	Identity      IdentityLookup
	Channels      ChannelStore
	Protocols     ProtocolReader
	Material      MaterialSource
	Notifications NotificationStore
	Queue         queue.Queue
}

// Router turns one create-notification request into channel deliveries.
// Per-channel failures are logged and counted; they never fail the
// request.
type Router struct {
	deps     Deps
	resolver *Resolver
	log      logx.Logger
	cfg      atomic.Pointer[Config]
	now      func() time.Time
}

func NewRouter(deps Deps, cfg Config, log logx.Logger) *Router {
	r := &Router{
		deps:     deps,
		resolver: NewResolver(deps.Identity, deps.Channels, deps.Protocols, log),
		log:      log,
		now:      time.Now,
	}
	r.Apply(cfg)
	return r
}

// Apply swaps the routing policy for requests that start afterwards.
func (r *Router) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.cfg.Store(&cfg)
}

func (r *Router) config() Config { return *r.cfg.Load() }

type Request struct {
	ResourceType model.ResourceType
	ResourceID   string
	Topic        string
	Message      map[string]any
	Type         model.NotificationType
	Level        model.Level
	DomainID     string
}

func (q Request) normalized() (Request, error) {
	if !q.ResourceType.Valid() {
		return q, model.Invalid("resource_type", "unsupported resource type %q", q.ResourceType)
	}
	if q.ResourceID == "" {
		return q, model.Invalid("resource_id", "required")
	}
	if q.DomainID == "" {
		return q, model.Invalid("domain_id", "required")
	}
	if q.Topic == "" {
		return q, model.Invalid("topic", "required")
	}
	if len(q.Message) == 0 {
		return q, model.Invalid("message", "required")
	}
	if q.Type == "" {
		q.Type = model.TypeInfo
	}
	if !q.Type.Valid() {
		return q, model.Invalid("notification_type", "unknown type %q", q.Type)
	}
	if q.Level == "" {
		q.Level = model.LevelAll
	}
	if !q.Level.Valid() {
		return q, model.Invalid("notification_level", "unknown level %q", q.Level)
	}
	return q, nil
}

// Result counts what one request did.
type Result struct {
	Users         int `json:"users"`
	Queued        int `json:"queued"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	Notifications int `json:"notifications"`
}

type run struct {
	req  Request
	cfg  Config
	eval schedule.Evaluator
	seen *visited
	log  logx.Logger

	users, queued, skipped, failed, notes atomic.Int64
}

func (t *run) result() Result {
	return Result{
		Users:         int(t.users.Load()),
		Queued:        int(t.queued.Load()),
		Skipped:       int(t.skipped.Load()),
		Failed:        int(t.failed.Load()),
		Notifications: int(t.notes.Load()),
	}
}

// Dispatch validates the target and walks its dispatch tree.
func (r *Router) Dispatch(ctx context.Context, req Request) (Result, error) {
	req, err := req.normalized()
	if err != nil {
		return Result{}, err
	}
	if _, err := r.deps.Identity.GetResource(ctx, req.ResourceType, req.ResourceID, req.DomainID); err != nil {
		return Result{}, err
	}

	cfg := r.config()
	eval := schedule.NewEvaluator(cfg.Location)
	eval.Now = r.now
	t := &run{
		req:  req,
		cfg:  cfg,
		eval: eval,
		seen: newVisited(),
		log: r.log.With(
			logx.String("resource_type", string(req.ResourceType)),
			logx.String("resource_id", req.ResourceID),
			logx.String("domain", req.DomainID),
			logx.String("topic", req.Topic),
		),
	}

	switch req.ResourceType {
	case model.ResourceDomain:
		err = r.domain(ctx, t, req.ResourceID)
	case model.ResourceProject:
		err = r.project(ctx, t, req.ResourceID)
	default:
		err = r.user(ctx, t, req.ResourceID)
	}
	res := t.result()
	t.log.Debug("dispatch finished",
		logx.Int("users", res.Users),
		logx.Int("queued", res.Queued),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
	)
	return res, err
}

func (r *Router) domain(ctx context.Context, t *run, domainID string) error {
	if !t.seen.enter(model.ResourceDomain, domainID) {
		return nil
	}
	res, err := r.resolver.Resolve(ctx, model.ResourceDomain, domainID, t.req.DomainID)
	if err != nil {
		return err
	}
	r.fanOut(ctx, t, res.Forward)
	return nil
}

func (r *Router) project(ctx context.Context, t *run, projectID string) error {
	if !t.seen.enter(model.ResourceProject, projectID) {
		return nil
	}
	res, err := r.resolver.Resolve(ctx, model.ResourceProject, projectID, t.req.DomainID)
	if err != nil {
		return err
	}
	for _, d := range res.Deliveries {
		if reason := r.gate(t, d, true); reason != "" {
			r.skip(t, d, reason)
			continue
		}
		r.deliver(ctx, t, d)
	}
	r.fanOut(ctx, t, res.Forward)
	return nil
}

// user delivers to the user's channels and persists the user's
// notification record, which is written even when nothing was delivered.
func (r *Router) user(ctx context.Context, t *run, userID string) error {
	if !t.seen.enter(model.ResourceUser, userID) {
		t.log.Debug("user already visited", logx.String("user", userID))
		return nil
	}
	t.users.Add(1)

	res, resolveErr := r.resolver.Resolve(ctx, model.ResourceUser, userID, t.req.DomainID)
	if resolveErr != nil {
		t.log.Warn("resolve user channels failed", logx.String("user", userID), logx.Err(resolveErr))
	}
	for _, d := range res.Deliveries {
		if reason := r.gate(t, d, false); reason != "" {
			r.skip(t, d, reason)
			continue
		}
		r.deliver(ctx, t, d)
	}

	n := model.Notification{
		ID:        "notification-" + uuid.NewString(),
		Topic:     t.req.Topic,
		Message:   t.req.Message,
		Type:      t.req.Type,
		Level:     t.req.Level,
		UserID:    userID,
		DomainID:  t.req.DomainID,
		CreatedAt: r.now().UTC(),
	}
	if err := r.deps.Notifications.CreateNotification(ctx, n); err != nil {
		return errors.Join(resolveErr, fmt.Errorf("persist notification for %s: %w", userID, err))
	}
	t.notes.Add(1)
	return resolveErr
}

// fanOut dispatches to users with at most FanoutWorkers in flight.
func (r *Router) fanOut(ctx context.Context, t *run, users []string) {
	if len(users) == 0 {
		return
	}
	sem := make(chan struct{}, t.cfg.FanoutWorkers)
	var wg sync.WaitGroup
	for _, id := range users {
		select {
		case <-ctx.Done():
			t.log.Warn("fan-out cancelled", logx.Err(ctx.Err()))
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.user(ctx, t, id); err != nil {
				t.log.Warn("user dispatch failed", logx.String("user", id), logx.Err(err))
			}
		}(id)
	}
	wg.Wait()
}

// gate returns the reason a delivery is held back, or "".
func (r *Router) gate(t *run, d Delivery, severity bool) string {
	ch := d.Channel
	switch {
	case !d.Protocol.Enabled():
		return "protocol_disabled"
	case !filter.SubscriptionAllows(ch.IsSubscribe, ch.Subscriptions, t.req.Topic):
		return "subscription"
	case !t.eval.Allows(ch.IsScheduled, ch.Schedule):
		return "schedule"
	}
	if severity {
		floor := ch.NotificationLevel
		if floor == "" {
			floor = model.LevelAll
		}
		if !t.cfg.Severity.Allows(t.req.Level, floor) {
			return "severity"
		}
	}
	return ""
}

func (r *Router) skip(t *run, d Delivery, reason string) {
	t.skipped.Add(1)
	t.log.Debug("channel skipped",
		logx.String("channel", d.Channel.ID),
		logx.String("protocol", d.Protocol.ID),
		logx.String("reason", reason),
	)
}

func (r *Router) deliver(ctx context.Context, t *run, d Delivery) {
	log := t.log.With(logx.String("channel", d.Channel.ID), logx.String("protocol", d.Protocol.ID))
	m, err := r.deps.Material.Material(ctx, d.Protocol, d.Channel)
	if err != nil {
		t.failed.Add(1)
		log.Warn("delivery material unavailable", logx.Err(err))
		return
	}
	job := queue.Job{
		ID:          queue.NewJobID(),
		ProtocolID:  d.Protocol.ID,
		ChannelID:   d.Channel.ID,
		ChannelData: m.ChannelData,
		SecretData:  m.SecretData,
		Type:        t.req.Type,
		Message:     t.req.Message,
		DomainID:    t.req.DomainID,
		At:          r.now().UTC(),
	}
	if err := r.deps.Queue.Enqueue(ctx, job); err != nil {
		t.failed.Add(1)
		log.Warn("delivery failed", logx.String("job", job.ID), logx.Err(err))
		return
	}
	t.queued.Add(1)
}

// PushRequest sends a message through one protocol with caller-supplied
// channel data, bypassing channel resolution.
type PushRequest struct {
	ProtocolID string
	Data       map[string]any
	Message    map[string]any
	Type       model.NotificationType
	DomainID   string
}

// Push hands one job to the queue and returns its id. Unlike Dispatch,
// delivery errors are returned to the caller.
func (r *Router) Push(ctx context.Context, req PushRequest) (string, error) {
	if req.ProtocolID == "" {
		return "", model.Invalid("protocol_id", "required")
	}
	if len(req.Message) == 0 {
		return "", model.Invalid("message", "required")
	}
	if req.Type == "" {
		req.Type = model.TypeInfo
	}
	if !req.Type.Valid() {
		return "", model.Invalid("notification_type", "unknown type %q", req.Type)
	}
	p, err := r.deps.Protocols.GetProtocol(ctx, req.ProtocolID, req.DomainID)
	if err != nil {
		return "", err
	}
	if p.Type == model.ProtocolInternal {
		return "", model.Invalid("protocol_id", "protocol %s is internal", p.ID)
	}
	if !p.Enabled() {
		return "", fmt.Errorf("protocol %s: %w", p.ID, model.ErrProtocolDisabled)
	}
	secret, err := r.deps.Material.ProtocolSecret(ctx, p)
	if err != nil {
		return "", err
	}
	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	job := queue.Job{
		ID:          queue.NewJobID(),
		ProtocolID:  p.ID,
		ChannelData: data,
		SecretData:  secret,
		Type:        req.Type,
		Message:     req.Message,
		DomainID:    req.DomainID,
		At:          r.now().UTC(),
	}
	if err := r.deps.Queue.Enqueue(ctx, job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}
