// Package binding is the per-field glue between a concrete editor and the
// shared document: local edits flow in as minimal diffs, remote updates
// flow out to the editor, and a single re-entrancy guard keeps the two
// paths from echoing into each other.
package binding

import (
	"sync"
	"time"

	"loom/collab/internal/crdt"
	"loom/collab/internal/diff"
	"loom/collab/internal/editor"
)

// Options configures a Binding.
type Options struct {
	Editor editor.Editor
	Doc    *crdt.Doc
	// PeerCount reports the number of connected replicas including this
	// one, consulted by the first-sync seeding policy.
	PeerCount func() int
	// SeedRetry is the delay before re-checking seeding rights when the
	// document is empty but peers are present. Default 500ms.
	SeedRetry time.Duration
}

// Binding wires one editor to one shared text. Unbind must be called on
// teardown to cancel the seeding retry timer.
type Binding struct {
	mu        sync.Mutex
	opts      Options
	text      *crdt.Text
	applying  bool
	last      string
	seedTimer *time.Timer
	unbound   bool
}

// Bind attaches the editor to the doc's text and begins mirroring both
// directions. The editor stays fully usable before the first sync.
func Bind(opts Options) *Binding {
	if opts.SeedRetry <= 0 {
		opts.SeedRetry = 500 * time.Millisecond
	}
	// Pre-existing editor content is the diff baseline; without it the
	// first pre-sync edit would re-insert the whole buffer.
	b := &Binding{opts: opts, text: opts.Doc.Text(), last: opts.Editor.Content()}
	opts.Editor.OnChange(b.onEditorChange)
	b.text.Observe(b.onTextEvent)
	return b
}

// onEditorChange is the local -> CRDT path.
func (b *Binding) onEditorChange() {
	b.mu.Lock()
	if b.applying || b.unbound {
		b.mu.Unlock()
		return
	}
	current := b.opts.Editor.Content()
	previous := b.last
	if current == previous {
		b.mu.Unlock()
		return
	}
	b.last = current
	b.mu.Unlock()

	diff.Apply(b.opts.Doc, previous, current)
}

// onTextEvent is the CRDT -> local path.
func (b *Binding) onTextEvent(ev crdt.Event) {
	if ev.Origin == crdt.OriginLocal {
		// Echo of our own write.
		return
	}
	b.mu.Lock()
	if b.unbound {
		b.mu.Unlock()
		return
	}
	b.applying = true
	b.mu.Unlock()

	b.applyRemote()

	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()
}

func (b *Binding) applyRemote() {
	ed := b.opts.Editor
	s := b.text.String()
	if s == ed.Content() {
		b.mu.Lock()
		b.last = s
		b.mu.Unlock()
		return
	}
	focused := ed.Focused()
	cursor := ed.CursorOffset()
	ed.SetContent(s)
	if focused {
		// The editing surface shifts the cursor itself as surrounding
		// text changes; only clamp when the old offset now lies past
		// the end.
		if max := len([]rune(s)); cursor > max {
			ed.SetCursorOffset(max)
		}
	}
	b.mu.Lock()
	b.last = s
	b.mu.Unlock()
}

// InitialSync reconciles pre-existing editor content with the document
// once the first state exchange completed. A non-empty document is
// authoritative. An empty document is seeded from the editor only while
// no other replica is present; with peers around, seeding defers and
// retries to keep two first-writers from clobbering each other. Best
// effort: a lost race still converges through the document merge.
func (b *Binding) InitialSync() {
	b.mu.Lock()
	if b.unbound {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if b.text.Len() > 0 {
		b.onTextEvent(crdt.Event{Origin: crdt.OriginRemote})
		return
	}
	local := b.opts.Editor.Content()
	if local == "" {
		return
	}
	peers := 1
	if b.opts.PeerCount != nil {
		peers = b.opts.PeerCount()
	}
	if peers <= 1 {
		b.seed(local)
		return
	}
	b.mu.Lock()
	if b.seedTimer == nil && !b.unbound {
		b.seedTimer = time.AfterFunc(b.opts.SeedRetry, func() {
			b.mu.Lock()
			b.seedTimer = nil
			b.mu.Unlock()
			b.InitialSync()
		})
	}
	b.mu.Unlock()
}

func (b *Binding) seed(content string) {
	b.mu.Lock()
	b.last = content
	b.mu.Unlock()
	b.opts.Doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.InsertAt(0, content)
	})
}

// Unbind detaches the binding and cancels any pending seeding retry.
func (b *Binding) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = true
	if b.seedTimer != nil {
		b.seedTimer.Stop()
		b.seedTimer = nil
	}
}
