package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baton-sh/conductor/pkg/config"
	"github.com/baton-sh/conductor/pkg/manager"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPlane struct {
	mgr   *manager.Manager
	srv   *httptest.Server
	token string
}

func newTestPlane(t *testing.T) *testPlane {
	t.Helper()

	cfg := &config.ServerConfig{
		DataDir:          t.TempDir(),
		SweepInterval:    3600,
		HeartbeatTimeout: 60,
		PersistedTimeout: 90,
	}
	mgr, err := manager.NewManager(cfg)
	require.NoError(t, err)
	mgr.Start()
	t.Cleanup(func() { mgr.Shutdown() })

	token, err := mgr.Tokens().Regenerate(0)
	require.NoError(t, err)

	server := NewServer(mgr, ":0")
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testPlane{mgr: mgr, srv: srv, token: token.Value}
}

func (p *testPlane) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(p.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRestRegisterAndLookup(t *testing.T) {
	p := newTestPlane(t)

	resp := p.postJSON(t, "/api/v1/register", RegisterPayload{
		Token:    p.token,
		Hostname: "node-1",
		Address:  "10.0.0.5",
		Resources: &types.ResourceSnapshot{
			CPUCores:    8,
			MemoryBytes: 16 << 30,
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reg := decodeBody[RegisteredPayload](t, resp)
	assert.NotEmpty(t, reg.WorkerID)
	assert.Equal(t, "node-1", reg.Hostname)
	assert.Equal(t, types.WorkerStatusOnline, reg.Status)

	// No channel, so no connection may be tracked
	assert.Equal(t, 0, p.mgr.Registry().ConnectionCount())

	getResp, err := http.Get(p.srv.URL + "/api/v1/workers/" + reg.WorkerID)
	require.NoError(t, err)
	record := decodeBody[types.WorkerRecord](t, getResp)
	assert.Equal(t, reg.WorkerID, record.ID)
	assert.Equal(t, 8, record.Resources.CPUCores)
}

func TestRestRegisterRejectsBadToken(t *testing.T) {
	p := newTestPlane(t)

	resp := p.postJSON(t, "/api/v1/register", RegisterPayload{
		Token:    "bogus",
		Hostname: "node-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRestHeartbeatUnknownWorker(t *testing.T) {
	p := newTestPlane(t)

	resp := p.postJSON(t, "/api/v1/heartbeat", map[string]any{
		"worker_id": uuid.New().String(),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestHeartbeatRefreshesWorker(t *testing.T) {
	p := newTestPlane(t)

	reg := decodeBody[RegisteredPayload](t, p.postJSON(t, "/api/v1/register", RegisterPayload{
		Token:    p.token,
		Hostname: "node-1",
	}))

	resp := p.postJSON(t, "/api/v1/heartbeat", map[string]any{
		"worker_id": reg.WorkerID,
		"resources": &types.ResourceSnapshot{CPUCores: 2},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeploymentWithoutChannelIsRejected(t *testing.T) {
	p := newTestPlane(t)

	reg := decodeBody[RegisteredPayload](t, p.postJSON(t, "/api/v1/register", RegisterPayload{
		Token:    p.token,
		Hostname: "node-1",
	}))

	resp := p.postJSON(t, "/api/v1/workers/"+reg.WorkerID+"/deployments", types.DeploymentInstruction{
		Action:      types.ActionDeploy,
		ServiceName: "web",
		Config:      &types.DeployConfig{Image: "nginx:1.27"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// channelConn is a minimal agent-side channel for driving the server
type channelConn struct {
	conn *websocket.Conn
}

func dialChannel(t *testing.T, p *testPlane) *channelConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/api/v1/channel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &channelConn{conn: conn}
}

func (c *channelConn) request(t *testing.T, msgType string, payload any) *Envelope {
	t.Helper()
	env, err := NewEnvelope(msgType, uuid.New().String(), payload)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(env))
	return c.await(t, env.ID)
}

// await reads until a message with the given correlation id arrives,
// skipping broadcast events.
func (c *channelConn) await(t *testing.T, id string) *Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	c.conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var reply Envelope
		require.NoError(t, c.conn.ReadJSON(&reply))
		if reply.ID == id {
			return &reply
		}
	}
	t.Fatal("timed out waiting for reply")
	return nil
}

// awaitType reads until a message of the given type arrives
func (c *channelConn) awaitType(t *testing.T, msgType string) *Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	c.conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var msg Envelope
		require.NoError(t, c.conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return &msg
		}
	}
	t.Fatalf("timed out waiting for %s", msgType)
	return nil
}

func TestChannelRegisterHeartbeatAndDeploy(t *testing.T) {
	p := newTestPlane(t)
	c := dialChannel(t, p)

	reply := c.request(t, MsgRegister, RegisterPayload{
		Token:    p.token,
		Hostname: "node-1",
		Address:  "10.0.0.5",
	})
	require.Equal(t, MsgRegistered, reply.Type)

	var reg RegisteredPayload
	require.NoError(t, DecodePayload(reply, &reg))
	assert.NotEmpty(t, reg.WorkerID)
	assert.Equal(t, 1, p.mgr.Registry().ConnectionCount())

	ack := c.request(t, MsgHeartbeat, HeartbeatPayload{
		Resources: &types.ResourceSnapshot{CPUCores: 4},
	})
	assert.Equal(t, MsgHeartbeatAck, ack.Type)

	// Operator pushes a deployment over the worker's channel
	resp := p.postJSON(t, "/api/v1/workers/"+reg.WorkerID+"/deployments", types.DeploymentInstruction{
		Action:      types.ActionRestart,
		ServiceName: "web",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	instr := c.awaitType(t, MsgDeployInstruction)
	var pushed DeployInstructionPayload
	require.NoError(t, DecodePayload(instr, &pushed))
	assert.Equal(t, types.ActionRestart, pushed.Instruction.Action)
	assert.Equal(t, "web", pushed.Instruction.ServiceName)
}

func TestChannelRegisterBadTokenGetsAuthError(t *testing.T) {
	p := newTestPlane(t)
	c := dialChannel(t, p)

	reply := c.request(t, MsgRegister, RegisterPayload{
		Token:    "bogus",
		Hostname: "node-1",
	})
	require.Equal(t, MsgError, reply.Type)

	var e ErrorPayload
	require.NoError(t, DecodePayload(reply, &e))
	assert.Equal(t, CodeAuthError, e.Code)
}

func TestChannelSubscriberStreamsEventsUntilDisconnect(t *testing.T) {
	p := newTestPlane(t)

	monitor := dialChannel(t, p)
	env, err := NewEnvelope(MsgSubscribe, uuid.New().String(), SubscribePayload{})
	require.NoError(t, err)
	require.NoError(t, monitor.conn.WriteJSON(env))

	// A registration elsewhere in the fleet reaches the subscriber
	resp := p.postJSON(t, "/api/v1/register", RegisterPayload{
		Token:    p.token,
		Hostname: "node-2",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	online := monitor.awaitType(t, MsgWorkerOnline)
	var evt WorkerOnlinePayload
	require.NoError(t, DecodePayload(online, &evt))
	assert.NotEmpty(t, evt.WorkerID)

	// Teardown with an active subscription must release it
	monitor.conn.Close()
	require.Eventually(t, func() bool {
		return p.mgr.EventBroker().SubscriberCount() == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestChannelDisconnectMarksWorkerOffline(t *testing.T) {
	p := newTestPlane(t)
	c := dialChannel(t, p)

	reply := c.request(t, MsgRegister, RegisterPayload{
		Token:    p.token,
		Hostname: "node-1",
	})
	require.Equal(t, MsgRegistered, reply.Type)
	var reg RegisteredPayload
	require.NoError(t, DecodePayload(reply, &reg))

	c.conn.Close()

	require.Eventually(t, func() bool {
		record, err := p.mgr.GetWorker(reg.WorkerID)
		return err == nil && record.Status == types.WorkerStatusOffline
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, 0, p.mgr.Registry().ConnectionCount())
}
