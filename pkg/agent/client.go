package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/baton-sh/conductor/pkg/api"
	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const dialTimeout = 10 * time.Second

// client maintains the agent's persistent channel to the control
// plane. Requests carry a correlation id and block on their reply;
// unsolicited messages (deployment instructions) go to the push
// handler.
type client struct {
	url    string
	logger zerolog.Logger

	// onPush receives server-initiated envelopes
	onPush func(*api.Envelope)

	// onDisconnect fires once per connection loss
	onDisconnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *api.Envelope
	closed  bool
}

func newClient(url string, onPush func(*api.Envelope), onDisconnect func()) *client {
	return &client{
		url:          url,
		logger:       log.WithComponent("channel"),
		onPush:       onPush,
		onDisconnect: onDisconnect,
		pending:      make(map[string]chan *api.Envelope),
	}
}

// Connect dials the control plane. Idempotent while a connection is
// already up.
func (c *client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to dial %s: %v", errdefs.ErrTransport, c.url, err)
	}

	c.conn = conn
	go c.readLoop(conn)

	c.logger.Info().Str("url", c.url).Msg("channel connected")
	return nil
}

// Connected reports whether a connection is currently up
func (c *client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the client down permanently
func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Request sends an envelope and waits for the reply carrying the same
// correlation id.
func (c *client) Request(ctx context.Context, msgType string, payload any) (*api.Envelope, error) {
	id := uuid.New().String()
	env, err := api.NewEnvelope(msgType, id, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msgType, err)
	}

	replyCh := make(chan *api.Envelope, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: channel is down", errdefs.ErrTransport)
	}
	c.pending[id] = replyCh
	err = c.conn.WriteJSON(env)
	c.mu.Unlock()

	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: failed to send %s: %v", errdefs.ErrTransport, msgType, err)
	}

	select {
	case reply := <-replyCh:
		if reply == nil {
			// Connection dropped before the reply arrived
			return nil, fmt.Errorf("%w: channel closed awaiting %s", errdefs.ErrTransport, msgType)
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%w: no reply to %s: %v", errdefs.ErrTransport, msgType, ctx.Err())
	}
}

// Send fires an envelope without waiting for a reply
func (c *client) Send(msgType string, payload any) error {
	env, err := api.NewEnvelope(msgType, uuid.New().String(), payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%w: channel is down", errdefs.ErrTransport)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: failed to send %s: %v", errdefs.ErrTransport, msgType, err)
	}
	return nil
}

func (c *client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop consumes incoming envelopes until the connection drops,
// then clears the connection and fires the disconnect callback.
func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env api.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed message")
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()

		if ok {
			waiter <- &env
			continue
		}
		if c.onPush != nil {
			c.onPush(&env)
		}
	}

	c.mu.Lock()
	// A stale loop for an already-replaced connection must not tear
	// down the new one.
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	conn.Close()
	if current && !closed && c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// decodeError turns an error envelope into a taxonomy error
func decodeError(env *api.Envelope) error {
	var p api.ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return fmt.Errorf("%w: unreadable error reply", errdefs.ErrTransport)
	}
	switch p.Code {
	case api.CodeAuthError:
		return fmt.Errorf("%w: %s", errdefs.ErrInvalidToken, p.Message)
	case api.CodeNotFound:
		return errdefs.NotFoundf("%s", p.Message)
	case api.CodeValidationError:
		return errdefs.Validationf("%s", p.Message)
	default:
		return fmt.Errorf("control plane error: %s", p.Message)
	}
}
