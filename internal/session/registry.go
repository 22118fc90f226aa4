package session

import (
	"errors"
	"log"
	"regexp"
	"sync"
	"time"

	"loom/collab/internal/conn"
	"loom/collab/internal/editor"
	"loom/collab/internal/presence"
)

var (
	// ErrInvalidDocumentID marks a document id that does not follow the
	// <entityKind>-<entityId>[-<field>] shape. Fatal for that field only;
	// the field behaves as a plain non-collaborative editor.
	ErrInvalidDocumentID = errors.New("invalid document id")
	// ErrAlreadyBound marks an editor that already carries a session.
	ErrAlreadyBound = errors.New("editor already bound")
	// ErrDocumentOpen marks a document id that is already being edited
	// through another editor in this registry.
	ErrDocumentOpen = errors.New("document already open")
)

// Document ids are derived from host entities, e.g. issue-42 or
// wiki-7-designdoc-content. Replicas must compute byte-identical ids for
// the same logical field or they silently land in different rooms.
var documentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-zA-Z0-9]+)+$`)

// ValidateDocumentID checks the <entityKind>-<entityId>[-<field>] shape.
func ValidateDocumentID(id string) error {
	if !documentIDPattern.MatchString(id) {
		return ErrInvalidDocumentID
	}
	return nil
}

// Options configures a Registry and every session it creates.
type Options struct {
	RelayURL  string
	Transport conn.Transport
	// TokenFor mints a relay join token for a document. Nil means the
	// relay runs without the token check.
	TokenFor func(documentID string) (string, error)

	BackoffBase time.Duration
	BackoffMax  time.Duration
	SyncTimeout time.Duration
	// PresenceHeartbeat is the awareness renewal interval, default 15s.
	// The relay never stores presence, so renewal is how late joiners
	// learn about peers already in the room.
	PresenceHeartbeat time.Duration

	// ConnectionStateChanged drives the host's status indicator.
	ConnectionStateChanged func(documentID string, state conn.State, message string)
	// PeerListChanged drives the host's presence UI.
	PeerListChanged func(documentID string, peers []presence.Peer)
}

// Registry is the host's entry point: it maps bound editors and document
// ids to their sessions and guards against double binding. It is an
// explicit object, not a process-wide singleton, so independent instances
// run in isolation.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	byDoc    map[string]*Session
	byEditor map[editor.Editor]*Session
	closed   bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		byDoc:    make(map[string]*Session),
		byEditor: make(map[editor.Editor]*Session),
	}
}

// OnFieldReady starts a collaborative session for one editable field. A
// failure affects only this field and never tears down other sessions.
func (r *Registry) OnFieldReady(ed editor.Editor, documentID string, who Identity) (*Session, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		log.Printf("registry: skipping collaboration for %q: %v", documentID, err)
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("registry closed")
	}
	if _, ok := r.byEditor[ed]; ok {
		r.mu.Unlock()
		return nil, ErrAlreadyBound
	}
	if _, ok := r.byDoc[documentID]; ok {
		r.mu.Unlock()
		return nil, ErrDocumentOpen
	}
	s := newSession(r, ed, documentID, who)
	r.byDoc[documentID] = s
	r.byEditor[ed] = s
	r.mu.Unlock()
	return s, nil
}

// OnFieldRemoved tears down the field's session. Reports false when the
// editor was not bound.
func (r *Registry) OnFieldRemoved(ed editor.Editor) bool {
	r.mu.Lock()
	s, ok := r.byEditor[ed]
	if ok {
		delete(r.byEditor, ed)
		delete(r.byDoc, s.docID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	return true
}

// OnPersistedSave merges an externally persisted snapshot into the live
// document. Reports false when no session is open for the id.
func (r *Registry) OnPersistedSave(documentID string, persisted string) bool {
	r.mu.Lock()
	s, ok := r.byDoc[documentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.MergeSnapshot(persisted)
	return true
}

// Session returns the open session for a document id, if any.
func (r *Registry) Session(documentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDoc[documentID]
}

// Close tears down every open session.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.byDoc))
	for _, s := range r.byDoc {
		sessions = append(sessions, s)
	}
	r.byDoc = make(map[string]*Session)
	r.byEditor = make(map[editor.Editor]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
