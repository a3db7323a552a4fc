package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`

	Storage StorageConfig `json:"storage"`
	Cache   CacheConfig   `json:"cache"`
	Queue   QueueConfig   `json:"queue"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Usage     UsageConfig     `json:"usage"`
	Channels  ChannelsConfig  `json:"channels"`
	Protocols ProtocolsConfig `json:"protocols"`
	Plugins   PluginsConfig   `json:"plugins"`
	Identity  IdentityConfig  `json:"identity"`
	Retention RetentionConfig `json:"retention"`

	// Scheduler controls periodic jobs (retention sweep).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the in-process worker pool used by the engine
	// queue mode and by scheduled jobs.
	TaskEngine TaskEngineConfig `json:"task_engine"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above MinLevel to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	APIURL     string `json:"api_url,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the API server.
//
// Security note: prefer binding to localhost or set a token.
type HTTPConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof bool   `json:"pprof,omitempty"`

	// Go duration strings.
	RequestTimeout string `json:"request_timeout,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the SQL backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyrouter.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type CacheConfig struct {
	Backend    string      `json:"backend"` // memory|redis
	MaxEntries int         `json:"max_entries,omitempty"`
	Redis      RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// QueueConfig selects where delivery jobs run.
//
// Modes:
//   - inline: deliver on the request goroutine
//   - engine: in-process task engine (default)
//   - rabbitmq: durable broker queue consumed by this process
type QueueConfig struct {
	Mode        string         `json:"mode"`
	Block       bool           `json:"block,omitempty"`
	PerProtocol int            `json:"per_protocol,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	RetryMax    int            `json:"retry_max,omitempty"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq,omitempty"`
}

type RabbitMQConfig struct {
	URL            string `json:"url"` // do not log
	Queue          string `json:"queue,omitempty"`
	Prefetch       int    `json:"prefetch,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	RequeueDelay   string `json:"requeue_delay,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

type DispatchConfig struct {
	FanoutWorkers int `json:"fanout_workers,omitempty"`
	// Timezone schedules are evaluated in. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// ChannelAllLevelMatches makes a project channel with level ALL accept
	// every severity instead of only ALL requests.
	ChannelAllLevelMatches bool   `json:"channel_all_level_matches,omitempty"`
	DedupWindow            string `json:"dedup_window,omitempty"`

	// Plugin call shaping.
	EndpointTTL string  `json:"endpoint_ttl,omitempty"`
	CallTimeout string  `json:"call_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

// UsageConfig controls quota enforcement.
//
// FailOpen is a pointer so an omitted key keeps the default (true).
type UsageConfig struct {
	FailOpen *bool                 `json:"fail_open,omitempty"`
	Defaults map[string]LimitValue `json:"defaults,omitempty"`
}

// LimitValue is a quota ceiling pair; -1 means unlimited.
type LimitValue struct {
	Day   int64 `json:"day"`
	Month int64 `json:"month"`
}

type ChannelsConfig struct {
	AllowOvernightSchedule bool `json:"allow_overnight_schedule,omitempty"`
}

type ProtocolsConfig struct {
	DefaultsTTL string              `json:"defaults_ttl,omitempty"`
	Installed   []InstalledProtocol `json:"installed,omitempty"`
}

// InstalledProtocol is created for every tenant on first use.
type InstalledProtocol struct {
	Name        string            `json:"name"`
	PluginID    string            `json:"plugin_id"`
	Version     string            `json:"version,omitempty"`
	UpgradeMode string            `json:"upgrade_mode,omitempty"`
	Options     map[string]any    `json:"options,omitempty"`
	SecretData  map[string]any    `json:"secret_data,omitempty"` // do not log
	Schema      string            `json:"schema,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type PluginsConfig struct {
	// Builtin lists enabled built-in plugins. Empty enables all of them.
	Builtin []string       `json:"builtin,omitempty"`
	Remote  []RemotePlugin `json:"remote,omitempty"`
	// RemoteTimeout bounds a single HTTP call to a remote plugin.
	RemoteTimeout string `json:"remote_timeout,omitempty"`
}

type RemotePlugin struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	SupportedSchema []string          `json:"supported_schema"`
	Versions        map[string]string `json:"versions"`
}

type IdentityConfig struct {
	Domains  []IdentityDomain  `json:"domains"`
	Users    []IdentityUser    `json:"users"`
	Projects []IdentityProject `json:"projects"`
}

type IdentityDomain struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type IdentityUser struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	DomainID string `json:"domain_id"`
	Disabled bool   `json:"disabled,omitempty"`
}

type IdentityProject struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	DomainID string `json:"domain_id"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 3 * * *"
	MaxAge   string `json:"max_age,omitempty"`  // default "1440h"
	Timeout  string `json:"timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`

	// Circuit breaker per task name; trip_failures < 0 disables it.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}
