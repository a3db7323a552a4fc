package app

import (
	"strings"
	"time"

	"notifyrouter/internal/cache"
	"notifyrouter/internal/config"
	"notifyrouter/internal/dispatch"
	"notifyrouter/internal/filter"
	"notifyrouter/internal/identity"
	"notifyrouter/internal/model"
	"notifyrouter/internal/plugin"
	"notifyrouter/internal/queue"
	"notifyrouter/internal/service"
	"notifyrouter/internal/storage"
	"notifyrouter/internal/task/engine"
	"notifyrouter/internal/task/scheduler"
	"notifyrouter/internal/transport/httpapi"
	"notifyrouter/internal/usage"
	logx "notifyrouter/pkg/logx"
)

// The mappers below assume cfg passed config.Validate, so duration and
// timezone parse errors cannot happen here.

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  config.Duration(cfg.Storage.BusyTimeout, 0),
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}
}

func cacheConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		Backend:    cfg.Cache.Backend,
		MaxEntries: cfg.Cache.MaxEntries,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		},
	}
}

func httpConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		Token:          cfg.HTTP.Token,
		Pprof:          cfg.HTTP.Pprof,
		RequestTimeout: config.Duration(cfg.HTTP.RequestTimeout, 0),
		ReadTimeout:    config.Duration(cfg.HTTP.ReadTimeout, 0),
		WriteTimeout:   config.Duration(cfg.HTTP.WriteTimeout, 0),
		IdleTimeout:    config.Duration(cfg.HTTP.IdleTimeout, 0),
	}
}

func gatewayConfig(cfg *config.Config) plugin.GatewayConfig {
	return plugin.GatewayConfig{
		EndpointTTL: config.Duration(cfg.Dispatch.EndpointTTL, 0),
		CallTimeout: config.Duration(cfg.Dispatch.CallTimeout, 0),
		RatePerSec:  cfg.Dispatch.RatePerSec,
		Burst:       cfg.Dispatch.Burst,
	}
}

func routerConfig(cfg *config.Config) dispatch.Config {
	loc, err := config.LoadLocation(cfg.Dispatch.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return dispatch.Config{
		FanoutWorkers: cfg.Dispatch.FanoutWorkers,
		Location:      loc,
		Severity:      filter.SeverityPolicy{ChannelAllMatches: cfg.Dispatch.ChannelAllLevelMatches},
	}
}

func processorConfig(cfg *config.Config) queue.ProcessorConfig {
	return queue.ProcessorConfig{DedupWindow: config.Duration(cfg.Dispatch.DedupWindow, 0)}
}

func engineQueueConfig(cfg *config.Config) queue.EngineConfig {
	return queue.EngineConfig{
		Block:       cfg.Queue.Block,
		PerProtocol: cfg.Queue.PerProtocol,
		Timeout:     config.Duration(cfg.Queue.Timeout, 0),
		RetryMax:    cfg.Queue.RetryMax,
	}
}

func rabbitConfig(cfg *config.Config) queue.RabbitConfig {
	r := cfg.Queue.RabbitMQ
	return queue.RabbitConfig{
		URL:            r.URL,
		Queue:          r.Queue,
		Prefetch:       r.Prefetch,
		PublishTimeout: config.Duration(r.PublishTimeout, 0),
		RequeueDelay:   config.Duration(r.RequeueDelay, 0),
		Workers:        r.Workers,
		MaxRetries:     r.MaxRetries,
	}
}

func usagePolicy(cfg *config.Config) usage.Policy {
	defaults := make(map[string]model.QuotaLimit, len(cfg.Usage.Defaults))
	for id, l := range cfg.Usage.Defaults {
		defaults[id] = model.QuotaLimit{Day: l.Day, Month: l.Month}
	}
	return usage.Policy{FailOpen: cfg.FailOpen(), Defaults: defaults}
}

func serviceConfig(cfg *config.Config) service.Config {
	installed := make([]service.InstalledProtocol, 0, len(cfg.Protocols.Installed))
	for _, p := range cfg.Protocols.Installed {
		mode := model.UpgradeMode(strings.ToUpper(strings.TrimSpace(p.UpgradeMode)))
		if mode == "" {
			mode = model.UpgradeAuto
		}
		installed = append(installed, service.InstalledProtocol{
			Name:        p.Name,
			PluginID:    p.PluginID,
			Version:     p.Version,
			UpgradeMode: mode,
			Options:     p.Options,
			SecretData:  p.SecretData,
			Schema:      p.Schema,
			Tags:        p.Tags,
		})
	}
	return service.Config{
		AllowOvernightSchedule: cfg.Channels.AllowOvernightSchedule,
		DefaultsTTL:            config.Duration(cfg.Protocols.DefaultsTTL, 0),
		Installed:              installed,
	}
}

func identitySnapshot(cfg *config.Config) identity.Snapshot {
	var s identity.Snapshot
	for _, d := range cfg.Identity.Domains {
		s.Domains = append(s.Domains, identity.Domain{ID: d.ID, Name: d.Name})
	}
	for _, u := range cfg.Identity.Users {
		s.Users = append(s.Users, identity.User{ID: u.ID, Name: u.Name, DomainID: u.DomainID, Disabled: u.Disabled})
	}
	for _, p := range cfg.Identity.Projects {
		s.Projects = append(s.Projects, identity.Project{ID: p.ID, Name: p.Name, DomainID: p.DomainID})
	}
	return s
}

// engineConfig keeps the engine enabled: queued deliveries and scheduled
// jobs both run on it.
func engineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{
		Enabled:             true,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      config.Duration(te.DefaultTimeout, 0),
		MaxQueueDelay:       config.Duration(te.MaxQueueDelay, 0),
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitBaseDelay:    config.Duration(te.CircuitBaseDelay, 0),
		CircuitMaxDelay:     config.Duration(te.CircuitMaxDelay, 0),
	}
}

// schedulerConfig turns triggering on when retention needs it even if the
// scheduler section was left disabled.
func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled || cfg.Retention.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

type retention struct {
	enabled  bool
	schedule string
	maxAge   time.Duration
	timeout  time.Duration
}

func retentionConfig(cfg *config.Config) retention {
	return retention{
		enabled:  cfg.Retention.Enabled,
		schedule: cfg.RetentionSchedule(),
		maxAge:   config.Duration(cfg.Retention.MaxAge, 1440*time.Hour),
		timeout:  config.Duration(cfg.Retention.Timeout, 2*time.Minute),
	}
}

// enabledBuiltins returns the configured subset; empty means all.
func enabledBuiltins(cfg *config.Config) []string {
	if len(cfg.Plugins.Builtin) == 0 {
		return config.BuiltinPlugins
	}
	return cfg.Plugins.Builtin
}
