package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// BuiltinPlugins are the plugin ids compiled into the binary.
var BuiltinPlugins = []string{"telegram", "email", "webhook"}

// Validate checks the structure of cfg and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	addf := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	for path, raw := range c.durations() {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			addf("storage.dsn: required for postgres")
		}
	default:
		addf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Addr) == "" {
			addf("cache.redis.addr: required for redis backend")
		}
	default:
		addf("cache.backend: unknown backend %q", c.Cache.Backend)
	}

	switch c.QueueMode() {
	case QueueInline, QueueEngine:
	case QueueRabbitMQ:
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			addf("queue.rabbitmq.url: required for rabbitmq mode")
		}
	default:
		addf("queue.mode: unknown mode %q", c.Queue.Mode)
	}

	if _, err := LoadLocation(c.Dispatch.Timezone); err != nil {
		addf("dispatch.timezone: %v", err)
	}
	if _, err := LoadLocation(c.Scheduler.Timezone); err != nil {
		addf("scheduler.timezone: %v", err)
	}
	if c.Dispatch.FanoutWorkers < 0 {
		addf("dispatch.fanout_workers: must be >= 0")
	}

	for id, l := range c.Usage.Defaults {
		if l.Day < -1 || l.Month < -1 {
			addf("usage.defaults.%s: limits must be -1 or >= 0", id)
		}
	}

	for i, p := range c.Protocols.Installed {
		path := fmt.Sprintf("protocols.installed[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			addf("%s.name: required", path)
		}
		if strings.TrimSpace(p.PluginID) == "" {
			addf("%s.plugin_id: required", path)
		}
		switch strings.ToUpper(p.UpgradeMode) {
		case "", "AUTO", "MANUAL":
		default:
			addf("%s.upgrade_mode: unknown mode %q", path, p.UpgradeMode)
		}
	}

	for _, id := range c.Plugins.Builtin {
		if !contains(BuiltinPlugins, id) {
			addf("plugins.builtin: unknown plugin %q", id)
		}
	}
	seenPlugin := map[string]bool{}
	for i, p := range c.Plugins.Remote {
		path := fmt.Sprintf("plugins.remote[%d]", i)
		switch {
		case strings.TrimSpace(p.ID) == "":
			addf("%s.id: required", path)
		case seenPlugin[p.ID] || contains(BuiltinPlugins, p.ID):
			addf("%s.id: duplicate plugin id %q", path, p.ID)
		}
		seenPlugin[p.ID] = true
		if len(p.SupportedSchema) == 0 {
			addf("%s.supported_schema: at least one schema is required", path)
		}
		if len(p.Versions) == 0 {
			addf("%s.versions: at least one version is required", path)
		}
	}

	add(c.Identity.validate())

	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.RetentionSchedule()); err != nil {
			addf("retention.schedule: %v", err)
		}
	}

	if t := c.Logging.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			addf("logging.telegram.token: required when enabled")
		}
		if t.ChatID == 0 {
			addf("logging.telegram.chat_id: required when enabled")
		}
	}

	return errors.Join(errs...)
}

func (c *Config) durations() map[string]string {
	return map[string]string{
		"http.request_timeout":           c.HTTP.RequestTimeout,
		"http.read_timeout":              c.HTTP.ReadTimeout,
		"http.write_timeout":             c.HTTP.WriteTimeout,
		"http.idle_timeout":              c.HTTP.IdleTimeout,
		"storage.busy_timeout":           c.Storage.BusyTimeout,
		"queue.timeout":                  c.Queue.Timeout,
		"queue.rabbitmq.publish_timeout": c.Queue.RabbitMQ.PublishTimeout,
		"queue.rabbitmq.requeue_delay":   c.Queue.RabbitMQ.RequeueDelay,
		"dispatch.dedup_window":          c.Dispatch.DedupWindow,
		"dispatch.endpoint_ttl":          c.Dispatch.EndpointTTL,
		"dispatch.call_timeout":          c.Dispatch.CallTimeout,
		"protocols.defaults_ttl":         c.Protocols.DefaultsTTL,
		"plugins.remote_timeout":         c.Plugins.RemoteTimeout,
		"retention.max_age":              c.Retention.MaxAge,
		"retention.timeout":              c.Retention.Timeout,
		"task_engine.default_timeout":    c.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay":    c.TaskEngine.MaxQueueDelay,
		"task_engine.circuit_base_delay": c.TaskEngine.CircuitBaseDelay,
		"task_engine.circuit_max_delay":  c.TaskEngine.CircuitMaxDelay,
	}
}

func (ic IdentityConfig) validate() error {
	var errs []error
	domains := map[string]bool{}
	for i, d := range ic.Domains {
		if strings.TrimSpace(d.ID) == "" {
			errs = append(errs, fmt.Errorf("identity.domains[%d].id: required", i))
			continue
		}
		if domains[d.ID] {
			errs = append(errs, fmt.Errorf("identity.domains[%d].id: duplicate %q", i, d.ID))
		}
		domains[d.ID] = true
	}
	check := func(kind string, i int, id, domain string, seen map[string]bool) {
		switch {
		case strings.TrimSpace(id) == "":
			errs = append(errs, fmt.Errorf("identity.%s[%d].id: required", kind, i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("identity.%s[%d].id: duplicate %q", kind, i, id))
		}
		seen[id] = true
		if !domains[domain] {
			errs = append(errs, fmt.Errorf("identity.%s[%d].domain_id: unknown domain %q", kind, i, domain))
		}
	}
	users, projects := map[string]bool{}, map[string]bool{}
	for i, u := range ic.Users {
		check("users", i, u.ID, u.DomainID, users)
	}
	for i, p := range ic.Projects {
		check("projects", i, p.ID, p.DomainID, projects)
	}
	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

const (
	QueueInline   = "inline"
	QueueEngine   = "engine"
	QueueRabbitMQ = "rabbitmq"
)

// QueueMode returns the normalized queue mode; empty means engine.
func (c *Config) QueueMode() string {
	m := strings.ToLower(strings.TrimSpace(c.Queue.Mode))
	if m == "" {
		return QueueEngine
	}
	return m
}

func (c *Config) RetentionSchedule() string {
	if s := strings.TrimSpace(c.Retention.Schedule); s != "" {
		return s
	}
	return "0 3 * * *"
}

// FailOpen defaults to true when omitted.
func (c *Config) FailOpen() bool {
	if c.Usage.FailOpen == nil {
		return true
	}
	return *c.Usage.FailOpen
}

// LoadLocation resolves an IANA timezone; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
