package sink

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tailriver/tailriver/internal/cdc"
)

// Sink is a dispatcher sink that holds external resources.
type Sink interface {
	cdc.Sink
	Close() error
}

// Config selects and configures a sink.
type Config struct {
	Type         string
	TopicPrefix  string
	Brokers      []string
	BatchSize    int
	NatsURL      string
	StreamMaxAge time.Duration
}

// Factory creates a Sink from a configuration
type Factory func(Config) (Sink, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// New builds the sink registered for config.Type.
func New(config Config) (Sink, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// Types lists the registered sink types.
func Types() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
