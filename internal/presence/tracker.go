// Package presence maintains the set of remote sessions on a document:
// identity, color, and cursor indicators. Peer additions and updates are
// coalesced over a short window to avoid render churn; removals always
// render synchronously so a departed peer's cursor never lingers.
package presence

import (
	"sort"
	"sync"
	"time"

	"loom/collab/internal/crdt"
	"loom/collab/internal/editor"
)

// Awareness state field names, shared with the session layer.
const (
	FieldUserID    = "userId"
	FieldUserName  = "userName"
	FieldSessionID = "sessionId"
	FieldCursor    = "cursor"
)

// Peer is one remote session as rendered to the host.
type Peer struct {
	ClientID uint64
	UserID   string
	UserName string
	Color    string
	// Cursor is the rune offset of the peer's cursor, nil when the peer
	// reported none.
	Cursor *int
}

// Renderer receives cursor drawing commands. The host implements it
// against its actual surface; tests use a recording fake.
type Renderer interface {
	UpsertCursor(clientID uint64, color string, pos editor.CursorPos)
	// HideCursor hides a peer's indicator without removing it, used when
	// the peer reports no cursor.
	HideCursor(clientID uint64)
	RemoveCursor(clientID uint64)
}

// Options configures a Tracker.
type Options struct {
	// SelfClientID is excluded from all remote-peer views.
	SelfClientID uint64
	Geometry     editor.Geometry
	Renderer     Renderer
	// ContentLen reports the current editor length for cursor clamping.
	ContentLen func() int
	// OnPeers receives the rendered remote peer list after every flush.
	OnPeers func(peers []Peer)
	// Debounce is the add/update coalescing window, default 30ms.
	Debounce time.Duration
}

type Tracker struct {
	mu      sync.Mutex
	opts    Options
	peers   map[uint64]Peer
	visible map[uint64]bool // cursors currently drawn
	timer   *time.Timer
	closed  bool
}

func NewTracker(opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = 30 * time.Millisecond
	}
	return &Tracker{
		opts:    opts,
		peers:   make(map[uint64]Peer),
		visible: make(map[uint64]bool),
	}
}

// Apply consumes one awareness change plus the full current state
// snapshot. Removals take effect and render immediately; additions and
// updates are absorbed into the state and rendered on the next debounced
// flush.
func (t *Tracker) Apply(change crdt.AwarenessChange, states map[uint64]map[string]any) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for _, id := range change.Removed {
		if _, ok := t.peers[id]; ok {
			delete(t.peers, id)
			delete(t.visible, id)
			if t.opts.Renderer != nil {
				t.opts.Renderer.RemoveCursor(id)
			}
		}
	}
	dirty := false
	for _, id := range append(append([]uint64{}, change.Added...), change.Updated...) {
		if id == t.opts.SelfClientID {
			continue
		}
		st, ok := states[id]
		if !ok {
			continue
		}
		t.peers[id] = peerFromState(id, st)
		dirty = true
	}
	removedAny := len(change.Removed) > 0
	if dirty {
		t.scheduleFlushLocked()
	}
	t.mu.Unlock()

	// Removal rendering must never wait for the coalescing window.
	if removedAny {
		t.flushPeerList()
	}
}

func peerFromState(id uint64, st map[string]any) Peer {
	p := Peer{ClientID: id}
	if v, ok := st[FieldUserID].(string); ok {
		p.UserID = v
	}
	if v, ok := st[FieldUserName].(string); ok {
		p.UserName = v
	}
	if v, ok := st[FieldSessionID].(string); ok {
		p.Color = ColorFor(v)
	} else {
		p.Color = ColorFor(p.UserID)
	}
	switch v := st[FieldCursor].(type) {
	case int:
		p.Cursor = &v
	case float64: // JSON numbers decode as float64
		offset := int(v)
		p.Cursor = &offset
	}
	return p
}

func (t *Tracker) scheduleFlushLocked() {
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.opts.Debounce, func() {
		t.mu.Lock()
		t.timer = nil
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			t.flushCursors()
			t.flushPeerList()
		}
	})
}

// flushCursors recomputes and draws every remote cursor.
func (t *Tracker) flushCursors() {
	t.mu.Lock()
	type draw struct {
		id     uint64
		color  string
		offset int
		hide   bool
	}
	var draws []draw
	for id, p := range t.peers {
		if p.Cursor == nil {
			if t.visible[id] {
				t.visible[id] = false
				draws = append(draws, draw{id: id, hide: true})
			}
			continue
		}
		// Out-of-bounds safety: peer-reported offsets are untrusted and
		// clamp to the content instead of erroring.
		offset := *p.Cursor
		if offset < 0 {
			offset = 0
		}
		if t.opts.ContentLen != nil {
			if max := t.opts.ContentLen(); offset > max {
				offset = max
			}
		}
		t.visible[id] = true
		draws = append(draws, draw{id: id, color: p.Color, offset: offset})
	}
	renderer := t.opts.Renderer
	geom := t.opts.Geometry
	t.mu.Unlock()

	if renderer == nil {
		return
	}
	for _, d := range draws {
		if d.hide {
			renderer.HideCursor(d.id)
			continue
		}
		var pos editor.CursorPos
		if geom != nil {
			pos = geom.PositionFor(d.offset)
		}
		renderer.UpsertCursor(d.id, d.color, pos)
	}
}

func (t *Tracker) flushPeerList() {
	if t.opts.OnPeers == nil {
		return
	}
	t.opts.OnPeers(t.Peers())
}

// Peers returns the remote peer list sorted by client id.
func (t *Tracker) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Count returns the number of known remote peers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Close cancels the pending flush timer. Required on session teardown so
// no timer outlives the editor it would render into.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
