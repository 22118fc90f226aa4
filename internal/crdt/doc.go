// Package crdt implements the convergent text document shared between
// replicas. The design follows Logoot: every rune carries a dense position
// identifier, deletes leave tombstones, and a replica merges any update by
// unioning atoms. Concurrent runs inserted at the same spot may interleave
// (a known Logoot anomaly); convergence is unaffected.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Transaction origins. Updates committed under OriginLocal are the
// replica's own edits; everything merged from the wire carries
// OriginRemote. Observers use the tag to suppress echo.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Doc is one replica of a shared document. It owns a single Text
// container. A Doc is safe for concurrent use; mutation happens inside
// transactions which commit atomically.
type Doc struct {
	mu       sync.Mutex
	site     uint64
	seq      uint64
	text     *Text
	onUpdate []func(update []byte, origin string)
}

func NewDoc() *Doc {
	d := &Doc{site: randomSite()}
	d.text = newText(d)
	return d
}

func randomSite() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Site returns the replica identifier baked into every atom this doc
// creates.
func (d *Doc) Site() uint64 { return d.site }

// Text returns the document's shared text container.
func (d *Doc) Text() *Text { return d.text }

// OnUpdate registers a callback receiving the encoded update of every
// committed transaction together with its origin tag. Connection wiring
// forwards OriginLocal updates to the relay.
func (d *Doc) OnUpdate(fn func(update []byte, origin string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = append(d.onUpdate, fn)
}

func (d *Doc) nextIDLocked() AtomID {
	d.seq++
	return AtomID{Site: d.site, Seq: d.seq}
}

// Txn collects the ops of one transaction. All mutation methods operate
// immediately on the document; the encoded update and observer events fire
// once at commit.
type Txn struct {
	doc *Doc
	ops []op
}

// InsertAt inserts s at the visible rune offset.
func (tx *Txn) InsertAt(offset int, s string) {
	if s == "" {
		return
	}
	tx.ops = append(tx.ops, tx.doc.text.insertLocked(offset, s)...)
}

// DeleteAt removes n visible runes starting at offset.
func (tx *Txn) DeleteAt(offset, n int) {
	if n <= 0 {
		return
	}
	tx.ops = append(tx.ops, tx.doc.text.deleteLocked(offset, n)...)
}

// Len reports the visible text length as it stands inside the transaction.
func (tx *Txn) Len() int {
	n := 0
	for _, a := range tx.doc.text.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

// Transact runs fn inside a single atomic transaction tagged with origin.
// If the transaction produced ops, update subscribers receive the encoded
// update and text observers fire exactly once.
func (d *Doc) Transact(origin string, fn func(*Txn)) {
	d.mu.Lock()
	tx := &Txn{doc: d}
	fn(tx)
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return
	}
	encoded := encodeOps(tx.ops)
	updateSubs := append([]func([]byte, string){}, d.onUpdate...)
	observers := append([]func(Event){}, d.text.observers...)
	d.mu.Unlock()

	for _, fn := range updateSubs {
		fn(encoded, origin)
	}
	for _, fn := range observers {
		fn(Event{Origin: origin})
	}
}

// ApplyUpdate merges an encoded update produced by any replica (including
// a past incarnation of this one). Application is idempotent and
// commutative; observers fire with OriginRemote only if the update changed
// the text.
func (d *Doc) ApplyUpdate(data []byte) error {
	ops, err := decodeOps(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	changed := false
	for _, o := range ops {
		if d.text.applyRemoteLocked(o) {
			changed = true
		}
		// Never hand out an atom id another replica already used.
		if o.ID.Site == d.site && o.ID.Seq > d.seq {
			d.seq = o.ID.Seq
		}
	}
	observers := append([]func(Event){}, d.text.observers...)
	d.mu.Unlock()

	if changed {
		for _, fn := range observers {
			fn(Event{Origin: OriginRemote})
		}
	}
	return nil
}

// EncodeState encodes the document's complete history (atoms and
// tombstones) as a single update applicable to any other replica. A doc
// with no history encodes to nil.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.text.atoms) == 0 {
		return nil
	}
	ops := make([]op, 0, len(d.text.atoms)*2)
	for _, a := range d.text.atoms {
		ops = append(ops, op{Type: opInsert, ID: a.id, Pos: a.pos, Ch: string(a.ch)})
	}
	for _, a := range d.text.atoms {
		if a.deleted {
			ops = append(ops, op{Type: opDelete, ID: a.id})
		}
	}
	return encodeOps(ops)
}
