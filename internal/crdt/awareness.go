package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Awareness is the ephemeral presence side-channel: per-connection state
// maps with per-connection clocks, broadcast but never persisted. A nil
// state is the "leaving" signal and removes the entry.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	clock    uint64
	states   map[uint64]map[string]any
	clocks   map[uint64]uint64
	subs     []func(AwarenessChange)
}

// AwarenessChange lists the client ids affected by one applied update.
// Removed entries must be acted on immediately; Added and Updated may be
// coalesced by consumers.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

type awarenessEntry struct {
	ClientID uint64         `json:"clientId"`
	Clock    uint64         `json:"clock"`
	State    map[string]any `json:"state"`
}

func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]map[string]any),
		clocks:   make(map[uint64]uint64),
	}
}

func (a *Awareness) ClientID() uint64 { return a.clientID }

// OnChange registers a callback fired after every state change, local or
// remote.
func (a *Awareness) OnChange(fn func(AwarenessChange)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

// States returns a snapshot of all known client states, self included.
func (a *Awareness) States() map[uint64]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]map[string]any, len(a.states))
	for id, st := range a.states {
		copied := make(map[string]any, len(st))
		for k, v := range st {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}

// SetLocalState replaces the local client's state and returns the encoded
// entry for broadcast. A nil state clears the entry (the leaving signal).
func (a *Awareness) SetLocalState(state map[string]any) []byte {
	a.mu.Lock()
	a.clock++
	entry := awarenessEntry{ClientID: a.clientID, Clock: a.clock, State: state}
	var change AwarenessChange
	if state == nil {
		delete(a.states, a.clientID)
		change.Removed = []uint64{a.clientID}
	} else {
		if _, known := a.states[a.clientID]; known {
			change.Updated = []uint64{a.clientID}
		} else {
			change.Added = []uint64{a.clientID}
		}
		a.states[a.clientID] = state
	}
	a.clocks[a.clientID] = a.clock
	subs := append([]func(AwarenessChange){}, a.subs...)
	a.mu.Unlock()

	buf, _ := json.Marshal([]awarenessEntry{entry})
	for _, fn := range subs {
		fn(change)
	}
	return buf
}

// ApplyRemote merges encoded entries received from the relay. Entries
// whose clock did not advance past the last seen one are dropped.
func (a *Awareness) ApplyRemote(data []byte) error {
	var entries []awarenessEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode awareness: %w", err)
	}
	a.mu.Lock()
	var change AwarenessChange
	for _, e := range entries {
		if e.ClientID == a.clientID {
			continue
		}
		if prev, ok := a.clocks[e.ClientID]; ok && e.Clock <= prev {
			continue
		}
		a.clocks[e.ClientID] = e.Clock
		_, known := a.states[e.ClientID]
		switch {
		case e.State == nil && known:
			delete(a.states, e.ClientID)
			change.Removed = append(change.Removed, e.ClientID)
		case e.State == nil:
			// Removal for a client we never saw; nothing to do.
		case known:
			a.states[e.ClientID] = e.State
			change.Updated = append(change.Updated, e.ClientID)
		default:
			a.states[e.ClientID] = e.State
			change.Added = append(change.Added, e.ClientID)
		}
	}
	subs := append([]func(AwarenessChange){}, a.subs...)
	a.mu.Unlock()

	if len(change.Added)+len(change.Updated)+len(change.Removed) > 0 {
		for _, fn := range subs {
			fn(change)
		}
	}
	return nil
}

// Remove drops a client's state without an explicit wire entry, used when
// the relay reports a disconnect.
func (a *Awareness) Remove(clientID uint64) {
	a.mu.Lock()
	_, known := a.states[clientID]
	if known {
		delete(a.states, clientID)
	}
	subs := append([]func(AwarenessChange){}, a.subs...)
	a.mu.Unlock()
	if !known {
		return
	}
	change := AwarenessChange{Removed: []uint64{clientID}}
	for _, fn := range subs {
		fn(change)
	}
}
