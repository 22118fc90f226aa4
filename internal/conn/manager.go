// Package conn owns the relay connection of one collaborative session:
// dial, join handshake, reconnection with exponential backoff, and
// dispatch of inbound relay messages. The state machine is explicit so it
// can be driven in tests with a fake transport.
package conn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"loom/collab/internal/wire"
)

// Conn is one established transport connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials relay connections. The production implementation speaks
// websocket; tests inject an in-memory one.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Options configures a Manager. DocumentID, RelayURL and Transport are
// required; zero durations fall back to the defaults below.
type Options struct {
	DocumentID string
	RelayURL   string
	Token      string
	Transport  Transport

	BackoffBase time.Duration // first retry delay, default 1s
	BackoffMax  time.Duration // retry delay cap, default 30s
	SyncTimeout time.Duration // handshake deadline, default 30s

	// OnState reports every transition with a human-readable reason.
	OnState func(state State, reason string)
	// OnJoined fires on every successful handshake with the
	// relay-assigned client id and the room's accumulated updates.
	OnJoined func(clientID uint64, updates [][]byte)
	OnUpdate func(data []byte)
	// OnAwareness receives opaque presence payloads.
	OnAwareness func(data []byte)
	// OnPeerGone reports relay-observed disconnects.
	OnPeerGone func(clientID uint64)
}

// Manager is one connection handle. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu         sync.Mutex
	opts       Options
	state      State
	conn       Conn
	boff       *backoff.ExponentialBackOff
	retryTimer *time.Timer
	authTimer  *time.Timer
	pending    [][]byte // local updates queued until Synced
	pendingAw  []byte   // latest awareness payload, replaced not queued
	authFailed bool
	closed     bool
}

// Open starts the connection lifecycle and returns immediately; progress
// is reported through Options.OnState.
func Open(opts Options) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffBase
	b.MaxInterval = opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	m := &Manager{opts: opts, boff: b, state: StateConnecting}
	go m.attempt()
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AuthFailed reports whether the most recent disconnect was an
// authorization rejection, letting the host distinguish "can't reach
// relay" from "rejected".
func (m *Manager) AuthFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authFailed
}

func (m *Manager) setState(state State, reason string) {
	m.state = state
	cb := m.opts.OnState
	if cb == nil {
		return
	}
	m.mu.Unlock()
	cb(state, reason)
	m.mu.Lock()
}

func (m *Manager) attempt() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.setState(StateConnecting, "dialing relay")
	url, token, docID := m.opts.RelayURL, m.opts.Token, m.opts.DocumentID
	timeout := m.opts.SyncTimeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c, err := m.opts.Transport.Dial(ctx, url)
	cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err == nil {
			c.Close()
		}
		return
	}
	if err != nil {
		m.setState(StateReconnecting, "relay unreachable: "+err.Error())
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}
	m.conn = c
	m.setState(StateAuthenticating, "joining document")
	// Handshake deadline: if the relay has not answered the join in
	// time, sever the connection and let the read loop reconnect.
	m.authTimer = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		stale := m.conn != c || m.state != StateAuthenticating
		m.mu.Unlock()
		if !stale {
			c.Close()
		}
	})
	m.mu.Unlock()

	join := wire.Encode(wire.Message{Type: wire.TypeJoin, Doc: docID, Token: token})
	if err := c.WriteMessage(join); err != nil {
		m.connLost(c, "join send failed: "+err.Error())
		return
	}
	go m.readLoop(c)
}

func (m *Manager) readLoop(c Conn) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.connLost(c, "connection lost: "+err.Error())
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("conn %s: dropping malformed relay message: %v", m.opts.DocumentID, err)
			continue
		}
		switch msg.Type {
		case wire.TypeJoined:
			m.handleJoined(c, msg)
		case wire.TypeError:
			m.handleRelayError(c, msg)
			return
		case wire.TypeUpdate:
			if m.opts.OnUpdate != nil {
				m.opts.OnUpdate(msg.Data)
			}
		case wire.TypeAwareness:
			if m.opts.OnAwareness != nil {
				m.opts.OnAwareness(msg.Data)
			}
		case wire.TypePeerGone:
			if m.opts.OnPeerGone != nil {
				m.opts.OnPeerGone(msg.ClientID)
			}
		}
	}
}

func (m *Manager) handleJoined(c Conn, msg wire.Message) {
	m.mu.Lock()
	if m.conn != c || m.closed {
		m.mu.Unlock()
		return
	}
	m.stopAuthTimerLocked()
	m.authFailed = false
	m.boff.Reset()
	m.setState(StateSynced, "synced")
	flush := m.pending
	m.pending = nil
	aw := m.pendingAw
	m.pendingAw = nil
	m.mu.Unlock()

	if m.opts.OnJoined != nil {
		m.opts.OnJoined(msg.ClientID, msg.Updates)
	}
	for _, u := range flush {
		m.write(wire.Message{Type: wire.TypeUpdate, Data: u})
	}
	if aw != nil {
		m.write(wire.Message{Type: wire.TypeAwareness, Data: aw})
	}
}

func (m *Manager) handleRelayError(c Conn, msg wire.Message) {
	m.mu.Lock()
	if m.conn != c || m.closed {
		m.mu.Unlock()
		return
	}
	if msg.Code == wire.CodeUnauthorized {
		m.authFailed = true
	}
	m.mu.Unlock()
	c.Close()
	m.connLost(c, "relay rejected connection: "+msg.Code)
}

// connLost handles the death of a specific connection; stale connections
// from earlier attempts are ignored.
func (m *Manager) connLost(c Conn, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return
	}
	m.conn = nil
	m.stopAuthTimerLocked()
	c.Close()
	if m.closed {
		return
	}
	if m.authFailed {
		reason = "authorization rejected; refresh the token and reconnect"
	}
	m.setState(StateReconnecting, reason)
	m.scheduleRetryLocked()
}

// scheduleRetryLocked arms the single retry timer for this handle.
// Duplicate disconnect signals while a retry is pending do not stack.
func (m *Manager) scheduleRetryLocked() {
	if m.closed || m.retryTimer != nil {
		return
	}
	delay := m.boff.NextBackOff()
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			m.attempt()
		}
	})
}

func (m *Manager) stopAuthTimerLocked() {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

// Send broadcasts one encoded document update, queueing it while the
// handle is not yet synced.
func (m *Manager) Send(update []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state != StateSynced {
		buf := make([]byte, len(update))
		copy(buf, update)
		m.pending = append(m.pending, buf)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.write(wire.Message{Type: wire.TypeUpdate, Data: update})
}

// SendAwareness broadcasts a presence payload. While disconnected only
// the latest payload is kept; stale cursors are worthless.
func (m *Manager) SendAwareness(data []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state != StateSynced {
		buf := make([]byte, len(data))
		copy(buf, data)
		m.pendingAw = buf
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.write(wire.Message{Type: wire.TypeAwareness, Data: data})
}

func (m *Manager) write(msg wire.Message) {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.WriteMessage(wire.Encode(msg)); err != nil {
		// The read loop observes the same failure and reconnects.
		log.Printf("conn %s: write failed: %v", m.opts.DocumentID, err)
	}
}

// ReconnectNow cancels any scheduled retry and attempts immediately
// without advancing the backoff counter. A non-empty token replaces the
// join credential, which is how hosts recover from auth failure.
func (m *Manager) ReconnectNow(freshToken string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if freshToken != "" {
		m.opts.Token = freshToken
		m.authFailed = false
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
	go m.attempt()
}

// Close tears the handle down. Terminal: no further retries fire.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopAuthTimerLocked()
	c := m.conn
	m.conn = nil
	m.setState(StateClosed, "closed")
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
