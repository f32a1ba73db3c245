package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/tailriver/tailriver/internal/alert"
	"github.com/tailriver/tailriver/internal/checkpoint"
	"github.com/tailriver/tailriver/internal/oplog"
	"github.com/tailriver/tailriver/internal/telemetry"
)

const (
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	commitTimeout         = 10 * time.Second
)

// Pipeline is one attempt: a dispatcher over a freshly opened tailer.
type Pipeline struct {
	Dispatcher *Dispatcher
	// Checkpoint is nil when progress is not persisted.
	Checkpoint *checkpoint.Cursor
	Close      func(ctx context.Context) error
}

// PipelineBuilder opens a new pipeline. Every attempt shares stats.
type PipelineBuilder func(ctx context.Context, stats *Stats) (*Pipeline, error)

type ManagerConfig struct {
	Service string
	// StartAt, when set, positions the first attempt at the latest entry
	// before that time instead of the stored checkpoint.
	StartAt        time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Manager runs pipelines until stopped, restarting from the last checkpoint
// after transient errors.
type Manager struct {
	config ManagerConfig
	build  PipelineBuilder
	stats  *Stats

	mu           sync.RWMutex
	current      *Pipeline
	last         *checkpoint.Cursor
	running      bool
	stopping     bool
	restarts     int
	err          error
	stopCh       chan struct{}
	done         chan struct{}
	alertManager *alert.Manager
}

func NewManager(build PipelineBuilder, config ManagerConfig) *Manager {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.InitialBackoff > config.MaxBackoff {
		config.InitialBackoff = config.MaxBackoff
	}
	return &Manager{
		config: config,
		build:  build,
		stats:  NewStats(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *Manager) SetAlertManager(am *alert.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertManager = am
}

func (m *Manager) Stats() *Stats {
	return m.stats
}

func (m *Manager) Restarts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

// Checkpoints returns the last committed and last observed state of the
// current or most recent attempt.
func (m *Manager) Checkpoints() (committed, observed *checkpoint.Checkpoint) {
	m.mu.RLock()
	cursor := m.last
	m.mu.RUnlock()

	if cursor == nil {
		return nil, nil
	}
	return cursor.LastCommitted(), cursor.LastObserved()
}

// Healthy is false once the manager halted on a fatal error.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err == nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("manager already running")
	}
	if m.build == nil {
		return fmt.Errorf("manager has no pipeline builder")
	}

	m.running = true
	go m.receiveLoop(ctx)

	return nil
}

// Stop ends the current attempt after the record being handled and waits
// for its checkpoint to be committed.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	close(m.stopCh)
	if m.current != nil {
		m.current.Dispatcher.Stop()
	}
	am := m.alertManager
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if am != nil {
		position := "none"
		if committed, _ := m.Checkpoints(); committed != nil {
			position = committed.Position.String()
		}
		message := fmt.Sprintf("Service %s stopped with checkpoint %s", m.config.Service, position)
		if err := am.SendSystemAlert("Pipeline stopped", message, "good"); err != nil {
			log.Error().Err(err).Msg("Failed to send stop alert")
		}
	}
	return nil
}

// Wait blocks until the manager exits and returns the fatal error, if any.
func (m *Manager) Wait() error {
	<-m.done
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer close(m.done)

	retry := m.newBackOff()
	errorCount := 0
	first := true

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		before := m.stats.Get(OperationProgress)
		err := m.runOnce(ctx, first)
		first = false

		if err == nil || m.isStopping() || ctx.Err() != nil {
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Pipeline ended during shutdown")
			}
			return
		}

		if oplog.IsFatal(err) {
			m.halt(err)
			return
		}

		// Progress since the previous failure resets the backoff.
		if m.stats.Get(OperationProgress) > before {
			errorCount = 0
			retry.Reset()
		}
		errorCount++
		delay := retry.NextBackOff()

		m.mu.Lock()
		m.restarts++
		m.mu.Unlock()
		telemetry.PipelineRestartsTotal.Inc()

		log.Warn().
			Err(err).
			Int("attempt", errorCount).
			Dur("backoff", delay).
			Msg("Pipeline failed, restarting from checkpoint")

		m.mu.RLock()
		if m.alertManager != nil {
			if alertErr := m.alertManager.SendPipelineRestartAlert(m.config.Service, errorCount, delay, err); alertErr != nil {
				log.Error().Err(alertErr).Msg("Failed to send restart alert")
			}
		}
		m.mu.RUnlock()

		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// newBackOff doubles from InitialBackoff up to MaxBackoff and never gives up.
func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.config.InitialBackoff
	b.MaxInterval = m.config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) runOnce(ctx context.Context, first bool) error {
	p, err := m.build(ctx, m.stats)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = p
	if p.Checkpoint != nil {
		m.last = p.Checkpoint
	}
	stopping := m.stopping
	m.mu.Unlock()

	defer m.teardown(p)

	if stopping {
		return nil
	}

	if first && !m.config.StartAt.IsZero() {
		log.Info().Time("start_at", m.config.StartAt).Msg("Starting from requested time")
		return p.Dispatcher.RunSince(ctx, m.config.StartAt)
	}
	return p.Dispatcher.Run(ctx, oplog.Position{})
}

func (m *Manager) teardown(p *Pipeline) {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if p.Checkpoint != nil {
		if err := p.Checkpoint.Commit(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to commit checkpoint")
		}
	}
	if p.Close != nil {
		if err := p.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close pipeline")
		}
	}
}

func (m *Manager) halt(err error) {
	position := "none"
	if committed, _ := m.Checkpoints(); committed != nil {
		position = committed.Position.String()
	}

	log.Error().Err(err).Str("checkpoint", position).Msg("Pipeline halted")

	m.mu.Lock()
	m.err = err
	am := m.alertManager
	m.mu.Unlock()

	if am != nil {
		if alertErr := am.SendPipelineHaltedAlert(m.config.Service, position, err); alertErr != nil {
			log.Error().Err(alertErr).Msg("Failed to send halt alert")
		}
	}
}

func (m *Manager) isStopping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopping
}
