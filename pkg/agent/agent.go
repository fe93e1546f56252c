package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baton-sh/conductor/pkg/api"
	"github.com/baton-sh/conductor/pkg/config"
	"github.com/baton-sh/conductor/pkg/deployer"
	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/resources"
	"github.com/baton-sh/conductor/pkg/runtime"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/rs/zerolog"
)

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 30 * time.Second
)

// Agent is the node-side process: it acquires a worker identity,
// heartbeats, and executes deployment instructions.
type Agent struct {
	cfg      *config.AgentConfig
	client   *client
	identity *identityStore
	producer resources.Producer
	deployer *deployer.Deployer
	logger   zerolog.Logger

	mu         sync.Mutex
	workerID   string
	registered bool

	// registering guards the identity-acquisition cycle: at most one
	// runs at a time, later triggers are no-ops.
	registering atomic.Bool

	// fatalCh receives the terminal error when registration retries
	// are exhausted
	fatalCh chan error
	stopCh  chan struct{}
}

// New assembles an agent from its config, a container runtime, and a
// resource producer.
func New(cfg *config.AgentConfig, rt runtime.Runtime, producer resources.Producer) *Agent {
	a := &Agent{
		cfg:      cfg,
		identity: newIdentityStore(cfg.DataDir),
		producer: producer,
		logger:   log.WithComponent("agent"),
		fatalCh:  make(chan error, 1),
		stopCh:   make(chan struct{}),
	}
	a.client = newClient(cfg.ServerURL, a.handlePush, a.onReconnectNeeded)
	a.deployer = deployer.New(rt, a, cfg.OverrideDir)
	return a
}

// Run boots the agent and blocks until ctx is cancelled or
// registration retries are exhausted.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.boot(); err != nil {
		return err
	}

	a.deployer.Start()
	go a.heartbeatLoop()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-a.fatalCh:
		a.shutdown()
		return err
	}
}

func (a *Agent) shutdown() {
	close(a.stopCh)
	a.deployer.Stop()
	a.client.Close()
}

// boot loads any persisted identity and runs the first registration.
// A stored id is offered as a claim; if the control plane hands back a
// different id the claim was not honored and the fresh id replaces the
// stored one. A failed claim attempt discards the stale identity and
// falls through to plain registration with full retry.
func (a *Agent) boot() error {
	if stored := a.identity.Load(); stored != nil {
		a.logger.Info().Str("worker_id", stored.WorkerID).Msg("reclaiming stored identity")

		if err := a.client.Connect(); err == nil {
			record, err := a.sendRegister(stored.WorkerID)
			if err == nil {
				a.adoptIdentity(record, stored.WorkerID)
				return nil
			}
			a.logger.Warn().Err(err).Msg("identity claim failed, registering fresh")
		}
		a.identity.Discard()
	}

	return a.register()
}

// register runs the identity-acquisition cycle: connect, snapshot,
// register with no claim, persist the returned id. Retries with
// exponential backoff; exhausting the attempts is fatal to the
// process.
//
// Single-flight: a trigger while a cycle is already running is a
// no-op.
func (a *Agent) register() error {
	if !a.registering.CompareAndSwap(false, true) {
		return nil
	}
	defer a.registering.Store(false)

	attempts := a.cfg.RegisterAttempts
	if attempts <= 0 {
		attempts = 5
	}

	backoff := backoffInitial
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = a.tryRegister()
		if lastErr == nil {
			return nil
		}

		a.logger.Warn().Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", backoff).
			Msg("registration failed")

		if attempt == attempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-a.stopCh:
			return lastErr
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	err := fmt.Errorf("failed to register after %d attempts: %w", attempts, lastErr)
	select {
	case a.fatalCh <- err:
	default:
	}
	return err
}

func (a *Agent) tryRegister() error {
	if err := a.client.Connect(); err != nil {
		return err
	}

	record, err := a.sendRegister("")
	if err != nil {
		return err
	}

	a.adoptIdentity(record, "")
	return nil
}

// sendRegister performs one registration round trip, optionally
// claiming a stored worker id.
func (a *Agent) sendRegister(claimedID string) (*api.RegisteredPayload, error) {
	snapshot, err := a.producer.Sample()
	if err != nil {
		a.logger.Warn().Err(err).Msg("resource sample failed, registering without snapshot")
		snapshot = nil
	}

	hostname := a.cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RegisterTimeoutDuration())
	defer cancel()

	reply, err := a.client.Request(ctx, api.MsgRegister, api.RegisterPayload{
		Token:     a.cfg.Token,
		Hostname:  hostname,
		Address:   a.cfg.Address,
		Resources: snapshot,
		WorkerID:  claimedID,
	})
	if err != nil {
		return nil, err
	}
	if reply.Type == api.MsgError {
		return nil, decodeError(reply)
	}

	var p api.RegisteredPayload
	if err := json.Unmarshal(reply.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: unreadable register reply", errdefs.ErrTransport)
	}
	return &p, nil
}

// adoptIdentity records the granted worker id and persists it. A
// persistence failure is logged only; the in-memory identity is what
// the session runs on.
func (a *Agent) adoptIdentity(record *api.RegisteredPayload, claimedID string) {
	a.mu.Lock()
	a.workerID = record.WorkerID
	a.registered = true
	a.mu.Unlock()

	if claimedID != "" && claimedID != record.WorkerID {
		a.logger.Info().
			Str("claimed", claimedID).
			Str("granted", record.WorkerID).
			Msg("identity claim not honored, adopting fresh identity")
	}

	if err := a.identity.Save(record.WorkerID); err != nil {
		a.logger.Warn().Err(err).Msg("failed to persist identity")
	}

	a.logger.Info().Str("worker_id", record.WorkerID).Msg("registered")
}

// heartbeatLoop ships a resource snapshot at a fixed interval. A send
// that finds the transport down clears the registered flag and
// re-enters registration.
func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeatTick()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) heartbeatTick() {
	a.mu.Lock()
	registered := a.registered
	a.mu.Unlock()
	if !registered {
		return
	}

	snapshot, err := a.producer.Sample()
	if err != nil {
		a.logger.Warn().Err(err).Msg("resource sample failed, sending bare heartbeat")
		snapshot = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RegisterTimeoutDuration())
	defer cancel()

	reply, err := a.client.Request(ctx, api.MsgHeartbeat, api.HeartbeatPayload{Resources: snapshot})
	if err != nil {
		a.logger.Warn().Err(err).Msg("heartbeat failed, re-registering")
		a.reRegister()
		return
	}
	if reply.Type == api.MsgError {
		// An unknown-connection reply means the plane lost our
		// affinity; re-register rather than surface it.
		a.logger.Warn().Str("error", string(reply.Data)).Msg("heartbeat rejected, re-registering")
		a.reRegister()
	}
}

// onReconnectNeeded fires when the transport drops. Connection
// affinity is gone, so the registered flag is cleared unconditionally
// and a new cycle starts.
func (a *Agent) onReconnectNeeded() {
	select {
	case <-a.stopCh:
		return
	default:
	}

	a.logger.Warn().Msg("channel lost, re-registering")
	a.reRegister()
}

func (a *Agent) reRegister() {
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	go a.register()
}

// handlePush dispatches server-initiated messages
func (a *Agent) handlePush(env *api.Envelope) {
	switch env.Type {
	case api.MsgDeployInstruction:
		var p api.DeployInstructionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			a.logger.Warn().Err(err).Msg("discarding malformed deploy instruction")
			return
		}
		if err := a.deployer.Enqueue(p.Instruction); err != nil {
			a.logger.Error().Err(err).
				Str("service", p.Instruction.ServiceName).
				Msg("failed to enqueue instruction")
		}
	default:
		a.logger.Debug().Str("type", env.Type).Msg("ignoring unsolicited message")
	}
}

// ReportDeployment sends an instruction outcome to the control plane.
// Implements the deployer's status reporter.
func (a *Agent) ReportDeployment(serviceName string, action types.Action, outcome types.DeploymentOutcome, execErr error) error {
	p := api.DeployStatusPayload{
		ServiceName: serviceName,
		Action:      action,
		Status:      outcome,
	}
	if execErr != nil {
		p.Error = execErr.Error()
	}
	return a.client.Send(api.MsgDeployStatus, p)
}

// WorkerID returns the currently held worker identity
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}
