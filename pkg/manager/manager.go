// Package manager assembles the control-plane process: storage, token
// manager, event broker, and the worker registry with its liveness
// sweep. The API server talks to the rest of the system exclusively
// through a Manager.
package manager

import (
	"fmt"
	"os"

	"github.com/baton-sh/conductor/pkg/config"
	"github.com/baton-sh/conductor/pkg/events"
	"github.com/baton-sh/conductor/pkg/registry"
	"github.com/baton-sh/conductor/pkg/storage"
	"github.com/baton-sh/conductor/pkg/types"
)

// Manager wires the control-plane components together
type Manager struct {
	store        storage.Store
	tokenManager *TokenManager
	eventBroker  *events.Broker
	registry     *registry.Registry
	collector    *Collector
}

// NewManager creates a control plane from server configuration
func NewManager(cfg *config.ServerConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	tokenManager := NewTokenManager(store)

	eventBroker := events.NewBroker()

	reg := registry.New(store, eventBroker, tokenManager, registry.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeoutDuration(),
		PersistedTimeout: cfg.PersistedTimeoutDuration(),
		SweepInterval:    cfg.SweepIntervalDuration(),
	})

	m := &Manager{
		store:        store,
		tokenManager: tokenManager,
		eventBroker:  eventBroker,
		registry:     reg,
	}
	m.collector = NewCollector(m)

	return m, nil
}

// Start launches the broker, the liveness sweep, and the metrics
// collector
func (m *Manager) Start() {
	m.eventBroker.Start()
	m.registry.Start()
	m.collector.Start()
}

// Registry returns the worker registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// EventBroker returns the event broker
func (m *Manager) EventBroker() *events.Broker {
	return m.eventBroker
}

// Tokens returns the token manager
func (m *Manager) Tokens() *TokenManager {
	return m.tokenManager
}

// GetWorker retrieves a worker record by id
func (m *Manager) GetWorker(id string) (*types.WorkerRecord, error) {
	return m.store.GetWorker(id)
}

// ListWorkers returns all worker records
func (m *Manager) ListWorkers() ([]*types.WorkerRecord, error) {
	return m.store.ListWorkers()
}

// Shutdown stops the loops and closes storage
func (m *Manager) Shutdown() error {
	if m.collector != nil {
		m.collector.Stop()
	}
	if m.registry != nil {
		m.registry.Stop()
	}
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
