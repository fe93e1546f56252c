package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/events"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/metrics"
	"github.com/baton-sh/conductor/pkg/storage"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenValidator checks a registration token. Implemented by the
// manager's token manager.
type TokenValidator interface {
	Validate(value string) error
}

// RegisterRequest carries everything an agent sends when joining
type RegisterRequest struct {
	Token     string
	Hostname  string
	Address   string
	ClaimedID string
	Resources *types.ResourceSnapshot
}

// connEntry links a live transport connection to a worker identity.
// Control-plane memory only; destroyed on disconnect or sweep timeout.
type connEntry struct {
	connID        string
	workerID      string
	lastHeartbeat time.Time
}

// Config holds registry thresholds
type Config struct {
	// HeartbeatTimeout is the idle threshold for tracked connections.
	HeartbeatTimeout time.Duration

	// PersistedTimeout is the longer grace threshold for persisted
	// records with no tracked connection.
	PersistedTimeout time.Duration

	// SweepInterval is how often the sweep loop runs.
	SweepInterval time.Duration
}

// Registry is the single source of truth mapping live connections to
// worker identities. It owns two index structures: connection id ->
// entry and worker id -> connection id, both guarded by one mutex.
type Registry struct {
	store  storage.Store
	broker *events.Broker
	tokens TokenValidator
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*connEntry
	byWorker map[string]string

	// now is swapped out by tests.
	now func() time.Time

	stopCh chan struct{}
}

// New creates a registry
func New(store storage.Store, broker *events.Broker, tokens TokenValidator, cfg Config) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.PersistedTimeout <= 0 {
		cfg.PersistedTimeout = 90 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	return &Registry{
		store:    store,
		broker:   broker,
		tokens:   tokens,
		cfg:      cfg,
		logger:   log.WithComponent("registry"),
		conns:    make(map[string]*connEntry),
		byWorker: make(map[string]string),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic liveness sweep
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.SweepTimeouts()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop stops the sweep loop
func (r *Registry) Stop() {
	close(r.stopCh)
}

// RegisterOrReconcile resolves a worker identity and upserts its
// record. A non-empty connID links the physical connection to the
// resolved identity; the request/response fallback passes an empty
// connID and gets the identical stored state with no connection
// tracked.
//
// Identity resolution escalates: claimed id, then hostname, then
// address, then a fresh record. Lookup misses fall through silently; a
// claimed id that no longer exists is not an error, the agent simply
// gets a new identity.
func (r *Registry) RegisterOrReconcile(connID string, req RegisterRequest) (*types.WorkerRecord, error) {
	if err := r.tokens.Validate(req.Token); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("auth_error").Inc()
		return nil, err
	}

	now := r.now()

	record, err := r.resolve(req)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	created := record == nil
	if created {
		record = &types.WorkerRecord{
			ID:        uuid.New().String(),
			CreatedAt: now,
		}
	}

	record.Hostname = req.Hostname
	record.Address = req.Address
	record.Status = types.WorkerStatusOnline
	record.LastSeen = now
	record.UpdatedAt = now
	if req.Resources != nil {
		record.Resources = req.Resources
	}

	if err := r.store.UpdateWorker(record); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to persist worker %s: %w", record.ID, err)
	}

	if connID != "" {
		r.mu.Lock()
		// A worker re-registering over a new connection invalidates
		// its old connection affinity.
		if oldConn, ok := r.byWorker[record.ID]; ok && oldConn != connID {
			delete(r.conns, oldConn)
		}
		r.conns[connID] = &connEntry{
			connID:        connID,
			workerID:      record.ID,
			lastHeartbeat: now,
		}
		r.byWorker[record.ID] = connID
		tracked := len(r.conns)
		r.mu.Unlock()

		metrics.ConnectionsTracked.Set(float64(tracked))
	}
	metrics.RegistrationsTotal.WithLabelValues("success").Inc()

	r.broker.Publish(&events.Event{
		Type:      events.EventWorkerOnline,
		WorkerID:  record.ID,
		Timestamp: now,
	})

	r.logger.Info().
		Str("worker_id", record.ID).
		Str("hostname", record.Hostname).
		Bool("created", created).
		Msg("worker registered")

	return record, nil
}

// resolve walks the identity escalation chain. Returns nil with no
// error when every strategy misses.
func (r *Registry) resolve(req RegisterRequest) (*types.WorkerRecord, error) {
	if req.ClaimedID != "" {
		record, err := r.store.GetWorker(req.ClaimedID)
		if err == nil {
			return record, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	if req.Hostname != "" {
		record, err := r.store.GetWorkerByHostname(req.Hostname)
		if err == nil {
			return record, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	if req.Address != "" {
		record, err := r.store.GetWorkerByAddress(req.Address)
		if err == nil {
			return record, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	return nil, nil
}

// RecordHeartbeat refreshes the connection's liveness timestamp and
// persists last_seen. A snapshot, when present, is persisted and fanned
// out both as a coarse broadcast and as a worker-scoped live update.
func (r *Registry) RecordHeartbeat(connID string, snapshot *types.ResourceSnapshot) error {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return errdefs.NotFoundf("connection %s", connID)
	}
	entry.lastHeartbeat = now
	workerID := entry.workerID
	r.mu.Unlock()

	record, err := r.store.GetWorker(workerID)
	if err != nil {
		return fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}

	record.LastSeen = now
	record.Status = types.WorkerStatusOnline
	record.UpdatedAt = now
	if snapshot != nil {
		record.Resources = snapshot
	}

	if err := r.store.UpdateWorker(record); err != nil {
		return fmt.Errorf("failed to persist heartbeat for %s: %w", workerID, err)
	}

	// The store call may have overlapped a disconnect; only emit
	// resource events if the connection is still tracked.
	r.mu.Lock()
	_, stillTracked := r.conns[connID]
	r.mu.Unlock()

	metrics.HeartbeatsTotal.Inc()

	if snapshot != nil && stillTracked {
		r.broker.Publish(&events.Event{
			Type:      events.EventResourcesUpdated,
			WorkerID:  workerID,
			Timestamp: now,
			Resources: snapshot,
		})
		r.broker.Publish(&events.Event{
			Type:      events.EventLiveUpdate,
			WorkerID:  workerID,
			Timestamp: now,
			Resources: snapshot,
		})
	}

	return nil
}

// RecordWorkerHeartbeat is the request/response fallback for
// transports without a persistent channel. It persists the same state
// a channel heartbeat would and emits the same events, but touches no
// connection entry.
func (r *Registry) RecordWorkerHeartbeat(workerID string, snapshot *types.ResourceSnapshot) error {
	now := r.now()

	record, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}

	record.LastSeen = now
	record.Status = types.WorkerStatusOnline
	record.UpdatedAt = now
	if snapshot != nil {
		record.Resources = snapshot
	}

	if err := r.store.UpdateWorker(record); err != nil {
		return fmt.Errorf("failed to persist heartbeat for %s: %w", workerID, err)
	}

	metrics.HeartbeatsTotal.Inc()

	if snapshot != nil {
		r.broker.Publish(&events.Event{
			Type:      events.EventResourcesUpdated,
			WorkerID:  workerID,
			Timestamp: now,
			Resources: snapshot,
		})
		r.broker.Publish(&events.Event{
			Type:      events.EventLiveUpdate,
			WorkerID:  workerID,
			Timestamp: now,
			Resources: snapshot,
		})
	}

	return nil
}

// UpdateResources persists a standalone resource update and broadcasts
// the coarse resources-updated event. Unlike a heartbeat-embedded
// snapshot it emits no live-update.
func (r *Registry) UpdateResources(workerID string, snapshot *types.ResourceSnapshot) error {
	if snapshot == nil {
		return errdefs.Validationf("resource update without resources")
	}

	now := r.now()

	record, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}

	record.Resources = snapshot
	record.UpdatedAt = now

	if err := r.store.UpdateWorker(record); err != nil {
		return fmt.Errorf("failed to persist resources for %s: %w", workerID, err)
	}

	r.broker.Publish(&events.Event{
		Type:      events.EventResourcesUpdated,
		WorkerID:  workerID,
		Timestamp: now,
		Resources: snapshot,
	})

	return nil
}

// HandleDisconnect marks the mapped worker offline immediately and
// drops the connection entry. Unknown connections are ignored.
func (r *Registry) HandleDisconnect(connID string) {
	r.mu.Lock()
	entry, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if r.byWorker[entry.workerID] == connID {
		delete(r.byWorker, entry.workerID)
	}
	tracked := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsTracked.Set(float64(tracked))

	if err := r.markOffline(entry.workerID, types.ReasonDisconnect); err != nil {
		r.logger.Error().Err(err).
			Str("worker_id", entry.workerID).
			Msg("failed to mark disconnected worker offline")
	}
}

// SweepTimeouts runs one liveness sweep over both evidence streams.
//
// Path A walks the tracked connections and forces offline any that went
// silent past the heartbeat threshold. Path B walks the persisted
// records and catches online state orphaned with no tracked connection,
// using the longer grace threshold. A worker handled by Path A is never
// re-fired by Path B in the same cycle, and one worker's persistence
// failure never aborts the sweep for the rest.
func (r *Registry) SweepTimeouts() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SweepDuration)
		metrics.SweepCyclesTotal.Inc()
	}()

	now := r.now()
	fired := make(map[string]bool)

	// Path A: tracked connections gone silent.
	r.mu.Lock()
	var expired []*connEntry
	for _, entry := range r.conns {
		if now.Sub(entry.lastHeartbeat) > r.cfg.HeartbeatTimeout {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		delete(r.conns, entry.connID)
		if r.byWorker[entry.workerID] == entry.connID {
			delete(r.byWorker, entry.workerID)
		}
	}
	tracked := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsTracked.Set(float64(tracked))

	for _, entry := range expired {
		fired[entry.workerID] = true
		if err := r.markOffline(entry.workerID, types.ReasonHeartbeatTimeout); err != nil {
			r.logger.Error().Err(err).
				Str("worker_id", entry.workerID).
				Msg("sweep: failed to mark worker offline, skipping this cycle")
			continue
		}
		metrics.SweepTimeoutsTotal.WithLabelValues(string(types.ReasonHeartbeatTimeout)).Inc()
	}

	// Path B: persisted online records with no tracked connection.
	records, err := r.store.ListWorkers()
	if err != nil {
		r.logger.Error().Err(err).Msg("sweep: failed to list workers")
		return
	}

	for _, record := range records {
		if record.Status != types.WorkerStatusOnline || fired[record.ID] {
			continue
		}

		r.mu.Lock()
		_, hasConn := r.byWorker[record.ID]
		r.mu.Unlock()
		if hasConn {
			continue
		}

		if now.Sub(record.LastSeen) <= r.cfg.PersistedTimeout {
			continue
		}

		if err := r.markOffline(record.ID, types.ReasonPersistedTimeout); err != nil {
			r.logger.Error().Err(err).
				Str("worker_id", record.ID).
				Msg("sweep: failed to mark orphaned worker offline, skipping this cycle")
			continue
		}
		metrics.SweepTimeoutsTotal.WithLabelValues(string(types.ReasonPersistedTimeout)).Inc()
	}
}

// markOffline flips the persisted status and broadcasts the change.
// Already-offline workers are left untouched so the transition fires
// exactly once.
func (r *Registry) markOffline(workerID string, reason types.OfflineReason) error {
	record, err := r.store.GetWorker(workerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if record.Status == types.WorkerStatusOffline {
		return nil
	}

	now := r.now()
	record.Status = types.WorkerStatusOffline
	record.UpdatedAt = now
	if err := r.store.UpdateWorker(record); err != nil {
		return err
	}

	r.broker.Publish(&events.Event{
		Type:      events.EventWorkerOffline,
		WorkerID:  workerID,
		Timestamp: now,
		Reason:    reason,
	})

	r.logger.Info().
		Str("worker_id", workerID).
		Str("reason", string(reason)).
		Msg("worker offline")

	return nil
}

// WorkerForConnection returns the worker id mapped to a connection
func (r *Registry) WorkerForConnection(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return entry.workerID, true
}

// ConnectionForWorker returns the connection id tracking a worker
func (r *Registry) ConnectionForWorker(workerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byWorker[workerID]
	return connID, ok
}

// ConnectionCount returns the number of tracked connections
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
