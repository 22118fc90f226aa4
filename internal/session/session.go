// Package session assembles one collaborative editing session per field:
// a shared document, its relay connection, the editor binding and the
// presence tracker, created and torn down through an explicit Registry so
// independent instances can coexist in one process.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/collab/internal/binding"
	"loom/collab/internal/conn"
	"loom/collab/internal/crdt"
	"loom/collab/internal/editor"
	"loom/collab/internal/presence"
)

// Identity is the local user as reported to peers. Peers display it
// unverified; the relay's token check is the only authenticity gate.
type Identity struct {
	UserID   string
	UserName string
}

// Session owns one field's document, connection and presence state. It is
// created through Registry.OnFieldReady and must be torn down through
// Registry.OnFieldRemoved so the registry maps stay consistent.
type Session struct {
	mu        sync.Mutex
	docID     string
	who       Identity
	sessionID string
	ed        editor.Editor
	doc       *crdt.Doc
	bind      *binding.Binding
	mgr       *conn.Manager
	aw        *crdt.Awareness
	tracker   *presence.Tracker
	cursor    *int
	reg       *Registry
	stop      chan struct{}
	closed    bool
}

func newSession(reg *Registry, ed editor.Editor, documentID string, who Identity) *Session {
	s := &Session{
		docID: documentID,
		who:   who,
		// Unique per tab and connection: the same user in two tabs is two
		// distinct presences with two distinct colors.
		sessionID: fmt.Sprintf("%s-%s", who.UserID, uuid.NewString()),
		ed:        ed,
		doc:       crdt.NewDoc(),
		reg:       reg,
		stop:      make(chan struct{}),
	}

	s.doc.OnUpdate(func(update []byte, origin string) {
		if origin != crdt.OriginLocal {
			return
		}
		if m := s.manager(); m != nil {
			m.Send(update)
		}
	})

	s.bind = binding.Bind(binding.Options{
		Editor:    ed,
		Doc:       s.doc,
		PeerCount: s.peerCount,
	})

	ed.OnCursorMove(s.onCursorMove)

	token := ""
	if reg.opts.TokenFor != nil {
		t, err := reg.opts.TokenFor(documentID)
		if err != nil {
			// The connection will be rejected and surface the failure as
			// the distinct auth-failed state; the editor stays usable.
			log.Printf("session %s: token issuance failed: %v", documentID, err)
		} else {
			token = t
		}
	}
	s.mgr = conn.Open(conn.Options{
		DocumentID:  documentID,
		RelayURL:    reg.opts.RelayURL,
		Token:       token,
		Transport:   reg.opts.Transport,
		BackoffBase: reg.opts.BackoffBase,
		BackoffMax:  reg.opts.BackoffMax,
		SyncTimeout: reg.opts.SyncTimeout,
		OnState:     s.onConnState,
		OnJoined:    s.onJoined,
		OnUpdate:    s.onRemoteUpdate,
		OnAwareness: s.onRemoteAwareness,
		OnPeerGone:  s.onPeerGone,
	})

	heartbeat := reg.opts.PresenceHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	go s.heartbeatLoop(heartbeat)
	return s
}

// heartbeatLoop re-broadcasts the local presence entry periodically. The
// relay never stores awareness, so renewal is the only way replicas that
// joined after our last broadcast learn we are here.
func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			aw := s.aw
			cursor := s.cursor
			s.mu.Unlock()
			if aw != nil {
				s.broadcastState(aw, cursor)
			}
		}
	}
}

// DocumentID returns the session's document identifier.
func (s *Session) DocumentID() string { return s.docID }

// Text returns the current shared text.
func (s *Session) Text() string { return s.doc.Text().String() }

// State returns the connection lifecycle state.
func (s *Session) State() conn.State { return s.mgr.State() }

// AuthFailed reports whether the last disconnect was an authorization
// rejection.
func (s *Session) AuthFailed() bool { return s.mgr.AuthFailed() }

// Peers returns the known remote peers.
func (s *Session) Peers() []presence.Peer {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Peers()
}

// Reconnect retries the connection immediately. A non-empty token replaces
// the join credential; this is the host's recovery path after the relay
// rejected the old one.
func (s *Session) Reconnect(freshToken string) {
	s.mgr.ReconnectNow(freshToken)
}

func (s *Session) manager() *conn.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr
}

func (s *Session) peerCount() int {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()
	if t == nil {
		return 1
	}
	return t.Count() + 1
}

func (s *Session) onConnState(state conn.State, reason string) {
	if cb := s.reg.opts.ConnectionStateChanged; cb != nil {
		cb(s.docID, state, reason)
	}
}

// onJoined runs on every successful handshake, including reconnects. The
// relay assigns a fresh client id per connection, so presence state starts
// a new epoch: the old tracker is retired and peers are relearned from the
// live awareness traffic.
func (s *Session) onJoined(clientID uint64, updates [][]byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.tracker != nil {
		s.tracker.Close()
	}
	aw := crdt.NewAwareness(clientID)
	tracker := presence.NewTracker(presence.Options{
		SelfClientID: clientID,
		Geometry:     geometryOf(s.ed),
		Renderer:     rendererOf(s.ed),
		ContentLen:   func() int { return len([]rune(s.doc.Text().String())) },
		OnPeers:      s.onPeerList,
	})
	aw.OnChange(func(ch crdt.AwarenessChange) {
		tracker.Apply(ch, aw.States())
	})
	s.aw = aw
	s.tracker = tracker
	cursor := s.cursor
	s.mu.Unlock()

	// Snapshot local history before absorbing the replay, then push it
	// back at the relay. The relay's log is the room's whole state, and
	// after a reconnect it can be missing ops committed here while the
	// connection was down or lost to a failed write. Application is
	// idempotent on every replica, so re-sending is safe; snapshotting
	// first keeps a fresh joiner from echoing the replayed log back.
	state := s.doc.EncodeState()
	for _, u := range updates {
		if err := s.doc.ApplyUpdate(u); err != nil {
			log.Printf("session %s: dropping bad replayed update: %v", s.docID, err)
		}
	}
	if state != nil {
		s.mgr.Send(state)
	}
	s.broadcastState(aw, cursor)
	s.bind.InitialSync()
}

func (s *Session) onRemoteUpdate(data []byte) {
	if err := s.doc.ApplyUpdate(data); err != nil {
		log.Printf("session %s: dropping bad update: %v", s.docID, err)
	}
}

func (s *Session) onRemoteAwareness(data []byte) {
	s.mu.Lock()
	aw := s.aw
	s.mu.Unlock()
	if aw == nil {
		return
	}
	if err := aw.ApplyRemote(data); err != nil {
		log.Printf("session %s: dropping bad awareness payload: %v", s.docID, err)
	}
}

func (s *Session) onPeerGone(clientID uint64) {
	s.mu.Lock()
	aw := s.aw
	s.mu.Unlock()
	if aw != nil {
		aw.Remove(clientID)
	}
}

func (s *Session) onPeerList(peers []presence.Peer) {
	if cb := s.reg.opts.PeerListChanged; cb != nil {
		cb(s.docID, peers)
	}
}

func (s *Session) onCursorMove(offset int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cursor = &offset
	aw := s.aw
	cursor := s.cursor
	s.mu.Unlock()
	if aw != nil {
		s.broadcastState(aw, cursor)
	}
}

// broadcastState publishes the local presence entry.
func (s *Session) broadcastState(aw *crdt.Awareness, cursor *int) {
	st := map[string]any{
		presence.FieldUserID:    s.who.UserID,
		presence.FieldUserName:  s.who.UserName,
		presence.FieldSessionID: s.sessionID,
	}
	if cursor != nil {
		st[presence.FieldCursor] = *cursor
	}
	s.mgr.SendAwareness(aw.SetLocalState(st))
}

// close tears the session down. Presence is cleared with a broadcast
// leaving signal before the connection drops so peers remove the cursor
// immediately instead of waiting for the relay's disconnect notice.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	aw := s.aw
	tracker := s.tracker
	s.mu.Unlock()
	close(s.stop)

	s.bind.Unbind()
	if tracker != nil {
		tracker.Close()
	}
	if aw != nil {
		s.mgr.SendAwareness(aw.SetLocalState(nil))
	}
	s.mgr.Close()
}

// geometryOf reports the editor's coordinate mapping when it has one.
func geometryOf(ed editor.Editor) editor.Geometry {
	if g, ok := ed.(editor.Geometry); ok {
		return g
	}
	return nil
}

// rendererOf reports the editor's remote-cursor surface when it has one.
func rendererOf(ed editor.Editor) presence.Renderer {
	if r, ok := ed.(presence.Renderer); ok {
		return r
	}
	return nil
}
