package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baton-sh/conductor/pkg/api"
	"github.com/baton-sh/conductor/pkg/config"
	"github.com/baton-sh/conductor/pkg/resources"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRuntime satisfies the runtime surface without touching
// containerd
type stubRuntime struct {
	mu      sync.Mutex
	deploys []string
}

func (s *stubRuntime) Deploy(_ context.Context, name string, _ *types.DeployConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploys = append(s.deploys, name)
	return nil
}
func (s *stubRuntime) Stop(context.Context, string) error    { return nil }
func (s *stubRuntime) Restart(context.Context, string) error { return nil }
func (s *stubRuntime) Update(context.Context, string, *types.DeployConfig) error {
	return nil
}
func (s *stubRuntime) Remove(context.Context, string) error { return nil }
func (s *stubRuntime) Inspect(_ context.Context, name string) (*types.ContainerInfo, error) {
	return &types.ContainerInfo{ServiceName: name}, nil
}
func (s *stubRuntime) Close() error { return nil }

func (s *stubRuntime) deployed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deploys))
	copy(out, s.deploys)
	return out
}

// fakePlane is a minimal control-plane endpoint for driving the agent
type fakePlane struct {
	srv        *httptest.Server
	grantID    string
	honorClaim bool

	// rejectHeartbeats makes every heartbeat answer with a not-found
	// error, set before the agent connects
	rejectHeartbeats bool

	mu   sync.Mutex
	conn *websocket.Conn

	registerCh chan api.RegisterPayload
	statusCh   chan api.DeployStatusPayload
}

func newFakePlane(t *testing.T, honorClaim bool) *fakePlane {
	t.Helper()

	p := &fakePlane{
		grantID:    uuid.New().String(),
		honorClaim: honorClaim,
		registerCh: make(chan api.RegisterPayload, 8),
		statusCh:   make(chan api.DeployStatusPayload, 8),
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.serve(conn)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlane) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePlane) serve(conn *websocket.Conn) {
	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case api.MsgRegister:
			var req api.RegisterPayload
			api.DecodePayload(&env, &req)
			p.registerCh <- req

			workerID := p.grantID
			if p.honorClaim && req.WorkerID != "" {
				workerID = req.WorkerID
			}
			reply, _ := api.NewEnvelope(api.MsgRegistered, env.ID, api.RegisteredPayload{
				WorkerID: workerID,
				Hostname: req.Hostname,
				Address:  req.Address,
				Status:   types.WorkerStatusOnline,
			})
			conn.WriteJSON(reply)

		case api.MsgHeartbeat:
			if p.rejectHeartbeats {
				reply, _ := api.NewEnvelope(api.MsgError, env.ID, api.ErrorPayload{
					Code:    api.CodeNotFound,
					Message: "connection is not registered",
				})
				conn.WriteJSON(reply)
				continue
			}
			reply, _ := api.NewEnvelope(api.MsgHeartbeatAck, env.ID, nil)
			conn.WriteJSON(reply)

		case api.MsgDeployStatus:
			var status api.DeployStatusPayload
			api.DecodePayload(&env, &status)
			p.statusCh <- status
		}
	}
}

// dropConnection closes the plane side of the live connection
func (p *fakePlane) dropConnection(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NotNil(t, conn, "no agent connection")
	conn.Close()
}

// push sends a deployment instruction on the live connection
func (p *fakePlane) push(t *testing.T, instr types.DeploymentInstruction) {
	t.Helper()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NotNil(t, conn, "no agent connection")

	env, err := api.NewEnvelope(api.MsgDeployInstruction, uuid.New().String(), api.DeployInstructionPayload{
		Instruction: instr,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func testAgentConfig(t *testing.T, serverURL string) *config.AgentConfig {
	t.Helper()
	return &config.AgentConfig{
		ServerURL:         serverURL,
		Token:             "join-token",
		DataDir:           t.TempDir(),
		Hostname:          "node-1",
		Address:           "10.0.0.5",
		HeartbeatInterval: 1,
		RegisterTimeout:   2,
		RegisterAttempts:  2,
	}
}

func fixedProducer() resources.Producer {
	return &resources.Fixed{Snapshot: &types.ResourceSnapshot{
		CPUCores:    4,
		MemoryBytes: 8 << 30,
		DiskBytes:   100 << 30,
	}}
}

func TestIdentityStoreRoundTrip(t *testing.T) {
	store := newIdentityStore(t.TempDir())

	assert.Nil(t, store.Load())

	require.NoError(t, store.Save("worker-123"))
	id := store.Load()
	require.NotNil(t, id)
	assert.Equal(t, "worker-123", id.WorkerID)
	assert.False(t, id.StoredAt.IsZero())

	store.Discard()
	assert.Nil(t, store.Load())
}

func TestIdentityStoreIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), []byte("{not json"), 0600))

	store := newIdentityStore(dir)
	assert.Nil(t, store.Load())
}

func TestFreshRegistrationPersistsGrantedIdentity(t *testing.T) {
	plane := newFakePlane(t, true)
	cfg := testAgentConfig(t, plane.url())

	a := New(cfg, &stubRuntime{}, fixedProducer())
	require.NoError(t, a.boot())
	defer a.shutdown()

	assert.Equal(t, plane.grantID, a.WorkerID())

	req := <-plane.registerCh
	assert.Equal(t, "join-token", req.Token)
	assert.Equal(t, "node-1", req.Hostname)
	assert.Empty(t, req.WorkerID)
	require.NotNil(t, req.Resources)
	assert.Equal(t, 4, req.Resources.CPUCores)

	stored := newIdentityStore(cfg.DataDir).Load()
	require.NotNil(t, stored)
	assert.Equal(t, plane.grantID, stored.WorkerID)
}

func TestBootClaimsStoredIdentity(t *testing.T) {
	plane := newFakePlane(t, true)
	cfg := testAgentConfig(t, plane.url())
	require.NoError(t, newIdentityStore(cfg.DataDir).Save("stored-worker"))

	a := New(cfg, &stubRuntime{}, fixedProducer())
	require.NoError(t, a.boot())
	defer a.shutdown()

	req := <-plane.registerCh
	assert.Equal(t, "stored-worker", req.WorkerID)
	assert.Equal(t, "stored-worker", a.WorkerID())
}

func TestBootAdoptsFreshIdentityWhenClaimNotHonored(t *testing.T) {
	plane := newFakePlane(t, false)
	cfg := testAgentConfig(t, plane.url())
	require.NoError(t, newIdentityStore(cfg.DataDir).Save("stale-worker"))

	a := New(cfg, &stubRuntime{}, fixedProducer())
	require.NoError(t, a.boot())
	defer a.shutdown()

	assert.Equal(t, plane.grantID, a.WorkerID())

	stored := newIdentityStore(cfg.DataDir).Load()
	require.NotNil(t, stored)
	assert.Equal(t, plane.grantID, stored.WorkerID)
}

func TestRegistrationExhaustionIsFatal(t *testing.T) {
	cfg := testAgentConfig(t, "ws://127.0.0.1:1/api/v1/channel")
	cfg.RegisterAttempts = 2

	a := New(cfg, &stubRuntime{}, fixedProducer())
	err := a.boot()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestTransportLossTriggersReRegistration(t *testing.T) {
	plane := newFakePlane(t, true)
	cfg := testAgentConfig(t, plane.url())

	a := New(cfg, &stubRuntime{}, fixedProducer())
	require.NoError(t, a.boot())
	defer a.shutdown()
	<-plane.registerCh

	plane.dropConnection(t)

	// Connection affinity is gone, so a fresh register round trip must
	// arrive without any heartbeat prompting it.
	select {
	case req := <-plane.registerCh:
		assert.Empty(t, req.WorkerID)
		assert.Equal(t, "join-token", req.Token)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never re-registered after transport loss")
	}

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.registered
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, plane.grantID, a.WorkerID())
	assert.True(t, a.client.Connected())
}

func TestRejectedHeartbeatTriggersReRegistration(t *testing.T) {
	plane := newFakePlane(t, true)
	plane.rejectHeartbeats = true
	cfg := testAgentConfig(t, plane.url())

	a := New(cfg, &stubRuntime{}, fixedProducer())
	require.NoError(t, a.boot())
	defer a.shutdown()
	<-plane.registerCh

	a.heartbeatTick()

	select {
	case req := <-plane.registerCh:
		assert.Empty(t, req.WorkerID)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never re-registered after rejected heartbeat")
	}
}

func TestRegisterIsSingleFlight(t *testing.T) {
	plane := newFakePlane(t, true)
	cfg := testAgentConfig(t, plane.url())

	a := New(cfg, &stubRuntime{}, fixedProducer())
	require.NoError(t, a.boot())
	defer a.shutdown()
	<-plane.registerCh

	// A trigger arriving while a cycle is in flight is a no-op and
	// produces no register round trip.
	a.registering.Store(true)
	require.NoError(t, a.register())
	a.registering.Store(false)

	select {
	case req := <-plane.registerCh:
		t.Fatalf("collapsed trigger still registered: %+v", req)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDeployInstructionRoundTrip(t *testing.T) {
	plane := newFakePlane(t, true)
	cfg := testAgentConfig(t, plane.url())
	rt := &stubRuntime{}

	a := New(cfg, rt, fixedProducer())
	require.NoError(t, a.boot())
	a.deployer.Start()
	defer a.shutdown()

	plane.push(t, types.DeploymentInstruction{
		Action:      types.ActionDeploy,
		ServiceName: "web",
		Config:      &types.DeployConfig{Image: "nginx:1.27"},
	})

	select {
	case status := <-plane.statusCh:
		assert.Equal(t, "web", status.ServiceName)
		assert.Equal(t, types.ActionDeploy, status.Action)
		assert.Equal(t, types.DeploymentSuccess, status.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for deploy status")
	}

	assert.Equal(t, []string{"web"}, rt.deployed())
}
