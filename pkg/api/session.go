package api

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/events"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/manager"
	"github.com/baton-sh/conductor/pkg/metrics"
	"github.com/baton-sh/conductor/pkg/registry"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second

	// sendBufferSize bounds the per-session outbound queue. A session
	// that cannot drain its queue is closed rather than blocking the
	// plane.
	sendBufferSize = 64
)

// session wraps one websocket connection. Each connection gets a fresh
// uuid; identity is only attached after a successful register message.
type session struct {
	id      string
	conn    *websocket.Conn
	manager *manager.Manager
	hub     *sessionHub
	logger  zerolog.Logger

	// sub is non-nil once the peer subscribed to monitoring events.
	// Written by the read loop, read during teardown from either loop,
	// so it needs its own lock.
	subMu sync.Mutex
	sub   events.Subscriber

	sendCh    chan *Envelope
	closeOnce sync.Once
	done      chan struct{}
}

// sessionHub tracks live sessions so operator requests can route
// deployment instructions to the right connection.
type sessionHub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionHub() *sessionHub {
	return &sessionHub{sessions: make(map[string]*session)}
}

func (h *sessionHub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *sessionHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (h *sessionHub) get(id string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func newSession(conn *websocket.Conn, mgr *manager.Manager, hub *sessionHub) *session {
	id := uuid.New().String()
	return &session{
		id:      id,
		conn:    conn,
		manager: mgr,
		hub:     hub,
		logger:  log.WithComponent("session").With().Str("conn_id", id).Logger(),
		sendCh:  make(chan *Envelope, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// run drives the session until the connection drops. Must be called
// from the upgrade handler's goroutine; it spawns the write loop and
// reads until error.
func (s *session) run() {
	s.hub.add(s)
	go s.writeLoop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("connection read failed")
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(env.ID, CodeValidationError, "malformed message")
			continue
		}

		s.dispatch(&env)
	}

	s.close()
}

// close tears the session down exactly once: the registry marks the
// worker offline with reason disconnect, the broker drops any
// monitoring subscription, and the hub forgets the connection.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
		s.manager.Registry().HandleDisconnect(s.id)
		s.subMu.Lock()
		sub := s.sub
		s.subMu.Unlock()
		if sub != nil {
			s.manager.EventBroker().Unsubscribe(sub)
		}
		s.conn.Close()
	})
}

func (s *session) dispatch(env *Envelope) {
	switch env.Type {
	case MsgRegister:
		s.handleRegister(env)
	case MsgHeartbeat:
		s.handleHeartbeat(env)
	case MsgResourceUpdate:
		s.handleResourceUpdate(env)
	case MsgSubscribe:
		s.handleSubscribe(env)
	case MsgUnsubscribe:
		s.handleUnsubscribe(env)
	case MsgDeployStatus:
		s.handleDeployStatus(env)
	default:
		s.replyError(env.ID, CodeValidationError, "unknown message type: "+env.Type)
	}
}

func (s *session) handleRegister(env *Envelope) {
	var p RegisterPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.replyError(env.ID, CodeValidationError, "malformed register payload")
		return
	}

	record, err := s.manager.Registry().RegisterOrReconcile(s.id, registry.RegisterRequest{
		Token:     p.Token,
		Hostname:  p.Hostname,
		Address:   p.Address,
		ClaimedID: p.WorkerID,
		Resources: p.Resources,
	})
	if err != nil {
		s.replyError(env.ID, codeFor(err), err.Error())
		return
	}

	s.reply(MsgRegistered, env.ID, RegisteredPayload{
		WorkerID: record.ID,
		Hostname: record.Hostname,
		Address:  record.Address,
		Status:   record.Status,
	})
}

func (s *session) handleHeartbeat(env *Envelope) {
	var p HeartbeatPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.replyError(env.ID, CodeValidationError, "malformed heartbeat payload")
			return
		}
	}

	if err := s.manager.Registry().RecordHeartbeat(s.id, p.Resources); err != nil {
		s.replyError(env.ID, codeFor(err), err.Error())
		return
	}

	s.reply(MsgHeartbeatAck, env.ID, nil)
}

func (s *session) handleResourceUpdate(env *Envelope) {
	var p ResourceUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.replyError(env.ID, CodeValidationError, "malformed resource-update payload")
		return
	}

	workerID, ok := s.manager.Registry().WorkerForConnection(s.id)
	if !ok {
		s.replyError(env.ID, CodeNotFound, "connection is not registered")
		return
	}

	if err := s.manager.Registry().UpdateResources(workerID, p.Resources); err != nil {
		s.replyError(env.ID, codeFor(err), err.Error())
	}
}

// handleSubscribe attaches this session to the event stream. The first
// subscribe creates the broker subscription and starts forwarding;
// later ones with a worker id narrow in additional live-update scopes.
func (s *session) handleSubscribe(env *Envelope) {
	var p SubscribePayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.replyError(env.ID, CodeValidationError, "malformed subscribe payload")
			return
		}
	}

	s.subMu.Lock()
	if s.sub == nil {
		s.sub = s.manager.EventBroker().Subscribe()
		go s.forwardEvents(s.sub)
	}
	sub := s.sub
	s.subMu.Unlock()

	if p.WorkerID != "" {
		s.manager.EventBroker().SubscribeWorker(sub, p.WorkerID)
	}
}

func (s *session) handleUnsubscribe(env *Envelope) {
	var p SubscribePayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.replyError(env.ID, CodeValidationError, "malformed unsubscribe payload")
			return
		}
	}

	s.subMu.Lock()
	sub := s.sub
	s.subMu.Unlock()

	if sub == nil {
		return
	}
	if p.WorkerID != "" {
		s.manager.EventBroker().UnsubscribeWorker(sub, p.WorkerID)
	}
}

func (s *session) handleDeployStatus(env *Envelope) {
	var p DeployStatusPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.replyError(env.ID, CodeValidationError, "malformed deploy-status payload")
		return
	}

	metrics.DeploymentsTotal.WithLabelValues(string(p.Action), string(p.Status)).Inc()

	evt := s.logger.Info()
	if p.Status == types.DeploymentFailed {
		evt = s.logger.Warn()
	}
	evt.Str("service", p.ServiceName).
		Str("action", string(p.Action)).
		Str("status", string(p.Status)).
		Str("error", p.Error).
		Msg("deployment status reported")
}

// forwardEvents translates broker events into channel messages until
// the session ends.
func (s *session) forwardEvents(sub events.Subscriber) {
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			env, err := envelopeForEvent(evt)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode event")
				continue
			}
			s.send(env)
		case <-s.done:
			return
		}
	}
}

func envelopeForEvent(evt *events.Event) (*Envelope, error) {
	switch evt.Type {
	case events.EventWorkerOnline:
		return NewEnvelope(MsgWorkerOnline, "", WorkerOnlinePayload{
			WorkerID:  evt.WorkerID,
			Timestamp: evt.Timestamp,
		})
	case events.EventWorkerOffline:
		return NewEnvelope(MsgWorkerOffline, "", WorkerOfflinePayload{
			WorkerID:  evt.WorkerID,
			Timestamp: evt.Timestamp,
			Reason:    evt.Reason,
		})
	case events.EventResourcesUpdated:
		return NewEnvelope(MsgResourcesUpdated, "", ResourcesUpdatedPayload{
			WorkerID:  evt.WorkerID,
			Resources: evt.Resources,
		})
	case events.EventLiveUpdate:
		return NewEnvelope(MsgLiveUpdate, "", ResourcesUpdatedPayload{
			WorkerID:  evt.WorkerID,
			Resources: evt.Resources,
		})
	}
	return nil, errors.New("unknown event type: " + string(evt.Type))
}

// pushInstruction queues a deployment instruction for the agent on
// this session.
func (s *session) pushInstruction(instr types.DeploymentInstruction) error {
	env, err := NewEnvelope(MsgDeployInstruction, uuid.New().String(), DeployInstructionPayload{Instruction: instr})
	if err != nil {
		return err
	}
	return s.send(env)
}

func (s *session) send(env *Envelope) error {
	select {
	case s.sendCh <- env:
		return nil
	case <-s.done:
		return errdefs.ErrTransport
	default:
		s.logger.Warn().Str("type", env.Type).Msg("send buffer full, dropping message")
		return errdefs.ErrTransport
	}
}

func (s *session) reply(msgType, id string, payload any) {
	env, err := NewEnvelope(msgType, id, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("failed to encode reply")
		return
	}
	s.send(env)
}

func (s *session) replyError(id, code, message string) {
	s.reply(MsgError, id, ErrorPayload{Code: code, Message: message})
}

func (s *session) writeLoop() {
	for {
		select {
		case env := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug().Err(err).Msg("connection write failed")
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// codeFor maps a taxonomy error to a wire error code
func codeFor(err error) string {
	switch {
	case errdefs.IsInvalidToken(err):
		return CodeAuthError
	case errdefs.IsNotFound(err):
		return CodeNotFound
	case errdefs.IsValidation(err):
		return CodeValidationError
	default:
		return CodeInternal
	}
}
