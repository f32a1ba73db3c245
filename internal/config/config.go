package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/tailriver/tailriver/internal/oplog"
)

const (
	StoreBolt  = "bolt"
	StoreMongo = "mongo"
	StoreNone  = "none"
)

type Config struct {
	Service    string           `mapstructure:"service"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type UpstreamConfig struct {
	Mode           string        `mapstructure:"mode"`
	Hosts          []string      `mapstructure:"hosts"`
	URI            string        `mapstructure:"uri"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AwaitTimeout   time.Duration `mapstructure:"await_timeout"`
}

type CheckpointConfig struct {
	Store        string        `mapstructure:"store"`
	Path         string        `mapstructure:"path"`
	Database     string        `mapstructure:"database"`
	Collection   string        `mapstructure:"collection"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
	Batch        bool          `mapstructure:"batch"`
	// BatchSize is the number of records between batch boundaries.
	BatchSize    int           `mapstructure:"batch_size"`
}

type SinkConfig struct {
	Type         string        `mapstructure:"type"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	Brokers      []string      `mapstructure:"brokers"`
	BatchSize    int           `mapstructure:"batch_size"`
	NatsURL      string        `mapstructure:"nats_url"`
	StreamMaxAge time.Duration `mapstructure:"stream_max_age"`
}

type DispatchConfig struct {
	ProgressOnNoop *bool `mapstructure:"progress_on_noop"`
	// StartAt is an RFC 3339 time. The first run starts at the latest entry
	// before it instead of the stored checkpoint.
	StartAt    string        `mapstructure:"start_at"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("TAILRIVER")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service is required")
	}

	if c.Upstream.Mode == "" {
		c.Upstream.Mode = string(oplog.ModeReplicaSet)
	}
	mode, err := oplog.ParseMode(c.Upstream.Mode)
	if err != nil {
		return err
	}
	if mode == oplog.ModeExisting {
		return fmt.Errorf("upstream.mode %q is only available to embedding programs", mode)
	}
	if len(c.Upstream.Hosts) == 0 && c.Upstream.URI == "" {
		c.Upstream.Hosts = []string{fmt.Sprintf("%s:%d", oplog.DefaultHost, oplog.DefaultPort)}
	}
	if c.Upstream.AwaitTimeout == 0 {
		c.Upstream.AwaitTimeout = oplog.DefaultAwaitTimeout
	}

	if c.Checkpoint.Store == "" {
		c.Checkpoint.Store = StoreBolt
	}
	switch c.Checkpoint.Store {
	case StoreBolt:
		if c.Checkpoint.Path == "" {
			c.Checkpoint.Path = "tailriver.db"
		}
	case StoreMongo:
		// State is written to the tailed deployment, which a secondary rejects.
		if mode == oplog.ModeSecondary {
			return fmt.Errorf("checkpoint.store %q cannot be used with upstream.mode %q", StoreMongo, mode)
		}
	case StoreNone:
	default:
		return fmt.Errorf("invalid checkpoint.store: %s (valid options: bolt, mongo, none)", c.Checkpoint.Store)
	}
	if c.Checkpoint.SaveInterval < 0 {
		return fmt.Errorf("checkpoint.save_interval must not be negative")
	}
	if c.Checkpoint.BatchSize < 0 {
		return fmt.Errorf("checkpoint.batch_size must not be negative")
	}

	if c.Sink.Type == "" {
		c.Sink.Type = "log"
	}
	switch c.Sink.Type {
	case "kafka":
		if len(c.Sink.Brokers) == 0 {
			return fmt.Errorf("sink.brokers is required for kafka")
		}
	case "nats":
		if c.Sink.NatsURL == "" {
			return fmt.Errorf("sink.nats_url is required for nats")
		}
	}

	if c.Dispatch.ProgressOnNoop == nil {
		enabled := true
		c.Dispatch.ProgressOnNoop = &enabled
	}
	if _, err := c.Dispatch.StartTime(); err != nil {
		return err
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		c.Admin.Addr = ":9464"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s (valid options: json, console)", c.Logging.Format)
	}

	return nil
}

// StartTime parses StartAt. It returns the zero time when unset.
func (d *DispatchConfig) StartTime() (time.Time, error) {
	if d.StartAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, d.StartAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dispatch.start_at: %w", err)
	}
	return t, nil
}

func (u *UpstreamConfig) DialConfig() oplog.DialConfig {
	return oplog.DialConfig{
		Hosts:          u.Hosts,
		Mode:           oplog.Mode(u.Mode),
		URI:            u.URI,
		ConnectTimeout: u.ConnectTimeout,
	}
}
