package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const DefaultStreamMaxAge = 24 * time.Hour

func init() {
	RegisterSink("nats", func(config Config) (Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		publisher, err := NewNatsPublisher(config.NatsURL, config.StreamMaxAge)
		if err != nil {
			return nil, err
		}
		return NewPublishSink(publisher, config.TopicPrefix), nil
	})
}

// NatsPublisher publishes events to JetStream. A stream is ensured once per
// subject.
type NatsPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	maxAge time.Duration

	mu      sync.Mutex
	streams map[string]struct{}
}

func NewNatsPublisher(url string, maxAge time.Duration) (*NatsPublisher, error) {
	if maxAge <= 0 {
		maxAge = DefaultStreamMaxAge
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsPublisher{
		nc:      nc,
		js:      js,
		maxAge:  maxAge,
		streams: make(map[string]struct{}),
	}, nil
}

func (n *NatsPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsPublisher) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.streams[topic]; ok {
		return nil
	}

	streamName := sanitizeStreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streams[topic] = struct{}{}
	return nil
}

func (n *NatsPublisher) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName maps a subject to a valid JetStream stream name.
func sanitizeStreamName(topic string) string {
	return strings.NewReplacer(".", "_", "$", "_", "*", "_", ">", "_", " ", "_").Replace(topic)
}
