package crdt

// AtomID uniquely identifies one inserted rune across all replicas.
type AtomID struct {
	Site uint64 `json:"site"`
	Seq  uint64 `json:"seq"`
}

type atom struct {
	id      AtomID
	pos     Position
	ch      rune
	deleted bool
}

// atomLess orders atoms by position, breaking position ties by id so every
// replica sorts a converged atom set identically.
func atomLess(a, b *atom) bool {
	switch comparePositions(a.pos, b.pos) {
	case -1:
		return true
	case 1:
		return false
	}
	if a.id.Site != b.id.Site {
		return a.id.Site < b.id.Site
	}
	return a.id.Seq < b.id.Seq
}

// Event describes one committed transaction as observed on the text.
type Event struct {
	// Origin is the tag the transaction was committed under. Remote
	// updates carry OriginRemote.
	Origin string
}

// Text is the shared editable sequence of a Doc. All mutation goes through
// transactions on the owning Doc; reads are safe at any time.
type Text struct {
	doc       *Doc
	atoms     []*atom
	byID      map[AtomID]*atom
	observers []func(Event)
}

func newText(d *Doc) *Text {
	return &Text{doc: d, byID: make(map[AtomID]*atom)}
}

// Observe registers a callback fired once per committed transaction that
// touched the text. Callbacks run synchronously on the committing side.
func (t *Text) Observe(fn func(Event)) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// String returns the visible text.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.stringLocked()
}

func (t *Text) stringLocked() string {
	out := make([]rune, 0, len(t.atoms))
	for _, a := range t.atoms {
		if !a.deleted {
			out = append(out, a.ch)
		}
	}
	return string(out)
}

// Len returns the visible length in runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	n := 0
	for _, a := range t.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

// arrayIndexFor maps a visible rune offset to an index into t.atoms such
// that inserting before that index lands at the offset. Tombstones do not
// count toward the offset.
func (t *Text) arrayIndexFor(offset int) int {
	seen := 0
	for i, a := range t.atoms {
		if seen == offset && !a.deleted {
			return i
		}
		if !a.deleted {
			seen++
		}
	}
	return len(t.atoms)
}

// insertLocked inserts s at the visible offset and returns the generated
// ops. Caller holds the doc lock.
func (t *Text) insertLocked(offset int, s string) []op {
	idx := t.arrayIndexFor(offset)
	var left Position
	// The left neighbour is the nearest atom (tombstoned or not) before
	// the insertion point; its position anchors the new run.
	if idx > 0 {
		left = t.atoms[idx-1].pos
	}
	var right Position
	if idx < len(t.atoms) {
		right = t.atoms[idx].pos
	}
	ops := make([]op, 0, len([]rune(s)))
	for _, ch := range s {
		pos := positionBetween(left, right, t.doc.site)
		a := &atom{id: t.doc.nextIDLocked(), pos: pos, ch: ch}
		t.atoms = append(t.atoms, nil)
		copy(t.atoms[idx+1:], t.atoms[idx:])
		t.atoms[idx] = a
		t.byID[a.id] = a
		ops = append(ops, op{Type: opInsert, ID: a.id, Pos: pos, Ch: string(ch)})
		left = pos
		idx++
	}
	return ops
}

// deleteLocked tombstones n visible runes starting at offset. Caller holds
// the doc lock.
func (t *Text) deleteLocked(offset, n int) []op {
	ops := make([]op, 0, n)
	seen := 0
	for _, a := range t.atoms {
		if a.deleted {
			continue
		}
		if seen >= offset && len(ops) < n {
			a.deleted = true
			ops = append(ops, op{Type: opDelete, ID: a.id})
		}
		seen++
		if len(ops) == n {
			break
		}
	}
	return ops
}

// applyRemoteLocked merges one op produced elsewhere. Inserting an already
// known atom and deleting an already tombstoned one are both no-ops, which
// makes update application idempotent.
func (t *Text) applyRemoteLocked(o op) bool {
	switch o.Type {
	case opInsert:
		if _, ok := t.byID[o.ID]; ok {
			return false
		}
		runes := []rune(o.Ch)
		if len(runes) == 0 {
			return false
		}
		a := &atom{id: o.ID, pos: o.Pos, ch: runes[0]}
		idx := len(t.atoms)
		for i, existing := range t.atoms {
			if atomLess(a, existing) {
				idx = i
				break
			}
		}
		t.atoms = append(t.atoms, nil)
		copy(t.atoms[idx+1:], t.atoms[idx:])
		t.atoms[idx] = a
		t.byID[a.id] = a
		return true
	case opDelete:
		a, ok := t.byID[o.ID]
		if !ok || a.deleted {
			return false
		}
		a.deleted = true
		return true
	}
	return false
}
