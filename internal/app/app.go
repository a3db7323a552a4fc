package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notifyrouter/internal/cache"
	"notifyrouter/internal/config"
	"notifyrouter/internal/dispatch"
	"notifyrouter/internal/eventbus"
	"notifyrouter/internal/identity"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/plugin/builtin/email"
	"notifyrouter/internal/plugin/builtin/telegram"
	"notifyrouter/internal/plugin/builtin/webhook"
	"notifyrouter/internal/plugin/remote"
	"notifyrouter/internal/queue"
	"notifyrouter/internal/runtime/supervisor"
	"notifyrouter/internal/secret"
	"notifyrouter/internal/service"
	"notifyrouter/internal/storage"
	"notifyrouter/internal/task/engine"
	"notifyrouter/internal/task/scheduler"
	"notifyrouter/internal/transport/httpapi"
	"notifyrouter/internal/usage"
	logx "notifyrouter/pkg/logx"
)

const retentionJob = "retention.prune"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	alert alertTarget
	bus   eventbus.Bus

	db    *storage.DB
	cache cache.Cache

	registry *plugin.Registry
	gateway  *plugin.Gateway
	identity *identity.Directory
	ledger   *usage.Ledger

	engine *engine.Service
	sched  *scheduler.Service
	rabbit *queue.Rabbit
	router *dispatch.Router

	protocols     *service.Protocols
	channels      *service.Channels
	notifications *service.Notifications

	http *httpapi.Server
}

// alertTarget identifies the operator chat the current alert sender posts to.
type alertTarget struct {
	token  string
	apiURL string
	chatID int64
	thread int
}

func alertTargetOf(cfg *config.Config) alertTarget {
	t := cfg.Logging.Telegram
	return alertTarget{token: t.Token, apiURL: t.APIURL, chatID: t.ChatID, thread: t.ThreadID}
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	if cfg.Logging.Telegram.Enabled {
		if err := a.setAlertSender(cfg); err != nil {
			a.log.Warn("telegram alerts disabled", logx.Err(err))
		}
	}

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.bus = eventbus.New()

	a.db, err = storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.cache, err = cache.New(cacheConfig(cfg), log.With(logx.String("comp", "cache")))
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	a.registry, err = buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	secrets := secret.NewStore(a.db, log.With(logx.String("comp", "secret")))
	a.gateway = plugin.NewGateway(a.registry, a.cache, a.db, secrets, gatewayConfig(cfg), log.With(logx.String("comp", "plugin")))
	a.identity = identity.NewDirectory(identitySnapshot(cfg))
	a.ledger = usage.NewLedger(a.db, usagePolicy(cfg), log.With(logx.String("comp", "usage")))

	a.engine = engine.New(engineConfig(cfg), log.With(logx.String("comp", "taskengine")), a.bus)
	proc := queue.NewProcessor(a.db, a.ledger, a.gateway, a.db, processorConfig(cfg), a.bus, log.With(logx.String("comp", "processor")))

	var q queue.Queue
	qlog := log.With(logx.String("comp", "queue"), logx.String("mode", cfg.QueueMode()))
	switch cfg.QueueMode() {
	case config.QueueInline:
		q = queue.NewInline(proc)
	case config.QueueRabbitMQ:
		a.rabbit, err = queue.DialRabbit(rabbitConfig(cfg), proc, a.bus, qlog)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		q = a.rabbit
	default:
		q = queue.NewEngine(a.engine, proc, engineQueueConfig(cfg), a.bus, qlog)
	}

	a.router = dispatch.NewRouter(dispatch.Deps{
		Identity:      a.identity,
		Channels:      a.db,
		Protocols:     a.db,
		Material:      a.gateway,
		Notifications: a.db,
		Queue:         q,
	}, routerConfig(cfg), log.With(logx.String("comp", "dispatch")))

	svcCfg := serviceConfig(cfg)
	a.protocols = service.NewProtocols(a.db, a.registry, a.gateway, secrets, a.cache, svcCfg, log.With(logx.String("comp", "protocols")))
	a.channels = service.NewChannels(a.db, a.db, a.identity, secrets, svcCfg, log.With(logx.String("comp", "channels")))
	a.notifications = service.NewNotifications(a.db, a.router, log.With(logx.String("comp", "notifications")))

	api := httpapi.New(httpapi.Services{
		Notifications: a.notifications,
		Channels:      a.channels,
		Protocols:     a.protocols,
		Quotas:        service.NewQuotas(a.db, a.db, log.With(logx.String("comp", "quotas"))),
		Usage:         service.NewUsage(a.db),
	}, log.With(logx.String("comp", "http")))
	a.http = httpapi.NewServer(httpConfig(cfg), api, log.With(logx.String("comp", "http")))

	a.sched = scheduler.New(schedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")))
	if err := a.applyRetention(retentionConfig(cfg)); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func buildRegistry(cfg *config.Config) (*plugin.Registry, error) {
	reg := plugin.NewRegistry()
	for _, id := range enabledBuiltins(cfg) {
		var d plugin.Descriptor
		switch id {
		case "telegram":
			d = telegram.Descriptor()
		case "email":
			d = email.Descriptor()
		case "webhook":
			d = webhook.Descriptor()
		default:
			return nil, fmt.Errorf("plugins.builtin: unknown plugin %q", id)
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	client := &http.Client{Timeout: config.Duration(cfg.Plugins.RemoteTimeout, 10*time.Second)}
	for _, rp := range cfg.Plugins.Remote {
		d := remote.Descriptor(remote.Config{
			ID:              rp.ID,
			Name:            rp.Name,
			SupportedSchema: rp.SupportedSchema,
			Versions:        rp.Versions,
		}, client)
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *App) setAlertSender(cfg *config.Config) error {
	t := cfg.Logging.Telegram
	sender, err := telegram.NewAlertSender(t.Token, t.APIURL, t.ChatID, t.ThreadID)
	if err != nil {
		return err
	}
	a.logs.SetSender(sender)
	a.alert = alertTargetOf(cfg)
	return nil
}

// applyRetention registers or removes the prune schedule.
func (a *App) applyRetention(r retention) error {
	if !r.enabled {
		a.sched.Remove(retentionJob)
		return nil
	}
	log := a.log.With(logx.String("job", retentionJob))
	err := a.sched.AddSchedule(retentionJob, r.schedule, r.timeout, func(ctx context.Context) error {
		n, err := a.notifications.Prune(ctx, r.maxAge)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("notifications pruned", logx.Int64("deleted", n), logx.Duration("max_age", r.maxAge))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validateReload rejects configs that would leave installed protocols
// pointing at plugins this process does not serve.
func (a *App) validateReload(ctx context.Context, cfg *config.Config) error {
	var errs []error
	for i, p := range cfg.Protocols.Installed {
		if _, err := a.registry.GetPlugin(ctx, p.PluginID, ""); err != nil {
			errs = append(errs, fmt.Errorf("protocols.installed[%d].plugin_id: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	// Engine first: the scheduler and the engine queue enqueue into it.
	a.engine.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.rabbit != nil {
		a.sup.GoRestart("queue.consume", a.rabbit.Consume,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	a.http.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("queue", a.cfgm.Get().QueueMode()),
		logx.Strings("plugins", a.registry.IDs()),
	)
	return nil
}

// applyConfig pushes the live-reloadable sections of next into the running
// components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if ch.Has("logging") {
		if next.Logging.Telegram.Enabled && alertTargetOf(next) != a.alert {
			if err := a.setAlertSender(next); err != nil {
				a.log.Warn("telegram alert sender rebuild failed; keeping previous", logx.Err(err))
			}
		}
		a.logs.Apply(logConfig(next))
	}
	if ch.Has("http") {
		a.http.Reconfigure(ctx, httpConfig(next))
	}
	if ch.Has("dispatch") {
		a.router.Apply(routerConfig(next))
		a.gateway.Apply(gatewayConfig(next))
		if prev.Dispatch.DedupWindow != next.Dispatch.DedupWindow {
			a.log.Warn("dispatch.dedup_window changed; restart required for changes to take effect")
		}
	}
	if ch.Has("usage") {
		a.ledger.SetPolicy(usagePolicy(next))
	}
	if ch.Has("channels") || ch.Has("protocols") {
		sc := serviceConfig(next)
		a.protocols.Apply(sc)
		a.channels.Apply(sc)
	}
	if ch.Has("identity") {
		a.identity.Replace(identitySnapshot(next))
	}
	if ch.Has("task_engine") {
		a.engine.Apply(ctx, engineConfig(next))
	}
	if ch.Has("scheduler") || ch.Has("retention") {
		a.applyScheduler(ctx, next)
	}

	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	sc := schedulerConfig(cfg)
	was := a.sched.Enabled()
	a.sched.Apply(sc)
	if err := a.applyRetention(retentionConfig(cfg)); err != nil {
		a.log.Warn("retention schedule rejected; keeping previous", logx.Err(err))
	}
	switch {
	case was && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !was && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := stepRunner{ctx: ctx, log: a.log}
	_ = step.run("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	_ = step.run("http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	_ = step.run("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.rabbit != nil {
		_ = step.run("rabbitmq", 2*time.Second, func(context.Context) error { return a.rabbit.Close() })
	}
	_ = step.run("cache", time.Second, func(context.Context) error { return a.cache.Close() })
	_ = step.run("storage", time.Second, func(context.Context) error { return a.db.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, consumer, event log).
	_ = step.run("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what NewApp opened when the app never started.
func (a *App) closeResources() {
	if a.rabbit != nil {
		_ = a.rabbit.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
