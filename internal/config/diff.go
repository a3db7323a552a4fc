package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyrouter/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every top-level key whose value changed.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Attrs are safe to log: secrets are reported as set/unset only.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool { return contains(c.Sections, section) }

var restartOnly = map[string]bool{
	"storage": true,
	"cache":   true,
	"queue":   true,
	"plugins": true,
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restartOnly[section] {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.Bool("logging.telegram_token_set", strings.TrimSpace(newCfg.Logging.Telegram.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		mark("cache", logx.String("cache.backend", newCfg.Cache.Backend))
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		mark("queue", logx.String("queue.mode", newCfg.QueueMode()))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch",
			logx.Int("dispatch.fanout_workers", newCfg.Dispatch.FanoutWorkers),
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
			logx.Bool("dispatch.channel_all_level_matches", newCfg.Dispatch.ChannelAllLevelMatches),
		)
	}
	if !reflect.DeepEqual(oldCfg.Usage, newCfg.Usage) {
		mark("usage",
			logx.Bool("usage.fail_open", newCfg.FailOpen()),
			logx.Int("usage.defaults", len(newCfg.Usage.Defaults)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		mark("channels", logx.Bool("channels.allow_overnight_schedule", newCfg.Channels.AllowOvernightSchedule))
	}
	if !reflect.DeepEqual(oldCfg.Protocols, newCfg.Protocols) {
		mark("protocols", logx.Int("protocols.installed", len(newCfg.Protocols.Installed)))
	}
	if !reflect.DeepEqual(oldCfg.Plugins, newCfg.Plugins) {
		mark("plugins", logx.Int("plugins.remote", len(newCfg.Plugins.Remote)))
	}
	if !reflect.DeepEqual(oldCfg.Identity, newCfg.Identity) {
		mark("identity",
			logx.Int("identity.domains", len(newCfg.Identity.Domains)),
			logx.Int("identity.users", len(newCfg.Identity.Users)),
			logx.Int("identity.projects", len(newCfg.Identity.Projects)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		mark("retention",
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", newCfg.RetentionSchedule()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		mark("task_engine",
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.Int("task_engine.retry_max", newCfg.TaskEngine.RetryMax),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}
