package config

import (
	"os"
	"testing"
	"time"

	"github.com/tailriver/tailriver/internal/oplog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "tailriver-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
service: search-indexer

upstream:
  mode: secondary
  hosts:
    - mongo-2.internal:27018
  await_timeout: 2s

checkpoint:
  store: bolt
  path: /var/lib/tailriver/state.db
  save_interval: 30s
  batch: true
  batch_size: 500

sink:
  type: kafka
  topic_prefix: cdc
  brokers:
    - kafka-1:9092
    - kafka-2:9092

dispatch:
  progress_on_noop: false
  start_at: "2024-03-01T00:00:00Z"

alerts:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service != "search-indexer" {
		t.Errorf("expected service=search-indexer, got %s", cfg.Service)
	}
	if cfg.Upstream.Mode != "secondary" || len(cfg.Upstream.Hosts) != 1 {
		t.Errorf("unexpected upstream %+v", cfg.Upstream)
	}
	if cfg.Upstream.AwaitTimeout != 2*time.Second {
		t.Errorf("expected await_timeout=2s, got %v", cfg.Upstream.AwaitTimeout)
	}
	if cfg.Checkpoint.SaveInterval != 30*time.Second {
		t.Errorf("expected save_interval=30s, got %v", cfg.Checkpoint.SaveInterval)
	}
	if !cfg.Checkpoint.Batch || cfg.Checkpoint.BatchSize != 500 {
		t.Errorf("expected batch mode with batch_size=500, got %+v", cfg.Checkpoint)
	}
	if len(cfg.Sink.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(cfg.Sink.Brokers))
	}
	if *cfg.Dispatch.ProgressOnNoop {
		t.Error("expected progress_on_noop=false")
	}
	start, err := cfg.Dispatch.StartTime()
	if err != nil || !start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start time %v (%v)", start, err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected logging defaults, got %+v", cfg.Logging)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TAILRIVER_TEST_WEBHOOK", "https://hooks.slack.com/services/T000")
	path := writeConfig(t, `
service: audit
alerts:
  enabled: true
  slack_webhook: ${TAILRIVER_TEST_WEBHOOK}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Alerts.SlackWebhook != "https://hooks.slack.com/services/T000" {
		t.Errorf("expected expanded webhook, got %s", cfg.Alerts.SlackWebhook)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/tailriver.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{Service: "svc"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Upstream.Mode != string(oplog.ModeReplicaSet) {
		t.Errorf("expected replset mode, got %s", cfg.Upstream.Mode)
	}
	if len(cfg.Upstream.Hosts) != 1 || cfg.Upstream.Hosts[0] != "127.0.0.1:27017" {
		t.Errorf("expected default host, got %v", cfg.Upstream.Hosts)
	}
	if cfg.Upstream.AwaitTimeout != oplog.DefaultAwaitTimeout {
		t.Errorf("expected default await timeout, got %v", cfg.Upstream.AwaitTimeout)
	}
	if cfg.Checkpoint.Store != StoreBolt || cfg.Checkpoint.Path == "" {
		t.Errorf("expected bolt store with a path, got %+v", cfg.Checkpoint)
	}
	if cfg.Sink.Type != "log" {
		t.Errorf("expected log sink, got %s", cfg.Sink.Type)
	}
	if cfg.Dispatch.ProgressOnNoop == nil || !*cfg.Dispatch.ProgressOnNoop {
		t.Error("expected progress_on_noop to default to true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{Service: "svc", Upstream: UpstreamConfig{Mode: "direct", Hosts: []string{"db1"}}},
			wantErr: false,
		},
		{
			name:    "missing service",
			config:  Config{},
			wantErr: true,
		},
		{
			name:    "invalid mode",
			config:  Config{Service: "svc", Upstream: UpstreamConfig{Mode: "sharded"}},
			wantErr: true,
		},
		{
			name:    "existing mode",
			config:  Config{Service: "svc", Upstream: UpstreamConfig{Mode: "existing"}},
			wantErr: true,
		},
		{
			name: "mongo store on secondary",
			config: Config{
				Service:    "svc",
				Upstream:   UpstreamConfig{Mode: "secondary"},
				Checkpoint: CheckpointConfig{Store: StoreMongo},
			},
			wantErr: true,
		},
		{
			name: "mongo store on replica set",
			config: Config{
				Service:    "svc",
				Checkpoint: CheckpointConfig{Store: StoreMongo},
			},
			wantErr: false,
		},
		{
			name:    "unknown store",
			config:  Config{Service: "svc", Checkpoint: CheckpointConfig{Store: "redis"}},
			wantErr: true,
		},
		{
			name:    "negative batch size",
			config:  Config{Service: "svc", Checkpoint: CheckpointConfig{Batch: true, BatchSize: -1}},
			wantErr: true,
		},
		{
			name:    "kafka without brokers",
			config:  Config{Service: "svc", Sink: SinkConfig{Type: "kafka"}},
			wantErr: true,
		},
		{
			name:    "nats without url",
			config:  Config{Service: "svc", Sink: SinkConfig{Type: "nats"}},
			wantErr: true,
		},
		{
			name:    "bad start time",
			config:  Config{Service: "svc", Dispatch: DispatchConfig{StartAt: "yesterday"}},
			wantErr: true,
		},
		{
			name:    "bad log level",
			config:  Config{Service: "svc", Logging: LoggingConfig{Level: "loud"}},
			wantErr: true,
		},
		{
			name:    "bad log format",
			config:  Config{Service: "svc", Logging: LoggingConfig{Format: "xml"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDialConfig(t *testing.T) {
	u := UpstreamConfig{Mode: "direct", Hosts: []string{"db1:27017"}, ConnectTimeout: 5 * time.Second}

	dc := u.DialConfig()
	if dc.Mode != oplog.ModeDirect || dc.Hosts[0] != "db1:27017" || dc.ConnectTimeout != 5*time.Second {
		t.Errorf("unexpected dial config %+v", dc)
	}
}
