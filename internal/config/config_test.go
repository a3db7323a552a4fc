package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: 127.0.0.1:9090
  token: ${NR_TEST_TOKEN}
  request_timeout: 20s
storage:
  driver: sqlite
  path: ./data/nr.db
queue:
  mode: engine
dispatch:
  fanout_workers: 8
  timezone: UTC
  dedup_window: 10m
usage:
  fail_open: false
  defaults:
    telegram: {day: 100, month: -1}
identity:
  domains: [{id: d1}]
  users:
    - {id: u1, domain_id: d1}
  projects:
    - {id: pr1, domain_id: d1}
retention:
  enabled: true
  max_age: 720h
`

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("NR_TEST_TOKEN", "tok$en")

	cfg, err := Decode("notifyrouter.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "tok$en", cfg.HTTP.Token)
	assert.Equal(t, 8, cfg.Dispatch.FanoutWorkers)
	assert.False(t, cfg.FailOpen())
	assert.Equal(t, LimitValue{Day: 100, Month: -1}, cfg.Usage.Defaults["telegram"])
	assert.Equal(t, QueueEngine, cfg.QueueMode())
	assert.Equal(t, "0 3 * * *", cfg.RetentionSchedule())
	assert.Equal(t, 20*time.Second, Duration(cfg.HTTP.RequestTimeout, time.Second))
	assert.Equal(t, 720*time.Hour, Duration(cfg.Retention.MaxAge, 0))
	require.Len(t, cfg.Identity.Users, 1)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		raw  string
	}{
		{name: "unknown field", path: "c.json", raw: `{"loging":{}}`},
		{name: "trailing data", path: "c.json", raw: `{} {}`},
		{name: "bad duration", path: "c.json", raw: `{"http":{"read_timeout":"soon"}}`},
		{name: "postgres without dsn", path: "c.json", raw: `{"storage":{"driver":"postgres"}}`},
		{name: "rabbit without url", path: "c.json", raw: `{"queue":{"mode":"rabbitmq"}}`},
		{name: "unknown queue mode", path: "c.json", raw: `{"queue":{"mode":"kafka"}}`},
		{name: "bad timezone", path: "c.json", raw: `{"dispatch":{"timezone":"Mars/Olympus"}}`},
		{name: "user in unknown domain", path: "c.yaml", raw: "identity:\n  users: [{id: u1, domain_id: nope}]\n"},
		{name: "bad cron", path: "c.json", raw: `{"retention":{"enabled":true,"schedule":"every day"}}`},
		{name: "quota default below -1", path: "c.json", raw: `{"usage":{"defaults":{"x":{"day":-5,"month":0}}}}`},
		{name: "remote plugin without versions", path: "c.json", raw: `{"plugins":{"remote":[{"id":"sms","supported_schema":["sms"]}]}}`},
		{name: "telegram alerts without token", path: "c.json", raw: `{"logging":{"telegram":{"enabled":true,"chat_id":1}}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.raw)); err == nil {
				t.Fatalf("Decode(%s) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Storage:  StorageConfig{Driver: "sqlite"},
		Dispatch: DispatchConfig{FanoutWorkers: 4},
	}
	cur := &Config{
		HTTP:     HTTPConfig{Addr: ":9090", Token: "x"},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://localhost/nr"},
		Dispatch: DispatchConfig{FanoutWorkers: 8},
	}

	ch := SummarizeChange(old, cur)
	assert.Equal(t, []string{"dispatch", "http", "storage"}, ch.Sections)
	assert.Equal(t, []string{"storage"}, ch.Restart)
	assert.True(t, ch.Has("dispatch"))
	assert.False(t, ch.Has("usage"))

	assert.True(t, SummarizeChange(cur, cur).Empty())
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch":{"fanout_workers":2}}`), 0o600))

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch":{"fanout_workers":"many"}}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch":{"fanout_workers":6}}`), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, 6, cfg.Dispatch.FanoutWorkers)
		assert.Equal(t, 6, m.Get().Dispatch.FanoutWorkers)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestDecodeEmptyYAMLUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yml", []byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Equal(t, QueueEngine, cfg.QueueMode())
	assert.True(t, cfg.FailOpen())
}
