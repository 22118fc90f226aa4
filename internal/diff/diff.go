// Package diff converts whole-buffer editor snapshots into minimal
// insert/delete operations against the shared text. Replacing the whole
// buffer on every keystroke would reset every remote cursor; the common
// prefix/suffix split keeps the edit as small as the typing that caused
// it.
package diff

import "loom/collab/internal/crdt"

// Delta is the minimal edit turning one snapshot into another.
type Delta struct {
	// Offset is the rune offset where the edit applies.
	Offset int
	// Remove is the number of runes deleted at Offset.
	Remove int
	// Insert is the text inserted at Offset after the removal.
	Insert string
}

// Compute returns the minimal delta transforming previous into current.
// Nil-ish inputs are treated as empty strings. Identical snapshots yield a
// zero delta.
func Compute(previous, current string) Delta {
	p := []rune(previous)
	c := []rune(current)

	prefix := 0
	for prefix < len(p) && prefix < len(c) && p[prefix] == c[prefix] {
		prefix++
	}
	// The suffix search must not re-consume runes the prefix already
	// claimed.
	suffix := 0
	for suffix < len(p)-prefix && suffix < len(c)-prefix &&
		p[len(p)-1-suffix] == c[len(c)-1-suffix] {
		suffix++
	}
	return Delta{
		Offset: prefix,
		Remove: len(p) - prefix - suffix,
		Insert: string(c[prefix : len(c)-suffix]),
	}
}

// Apply computes the minimal delta between the two snapshots and applies
// it to the doc's text inside a single local-origin transaction. Identical
// snapshots produce no transaction at all.
func Apply(doc *crdt.Doc, previous, current string) {
	d := Compute(previous, current)
	if d.Remove == 0 && d.Insert == "" {
		return
	}
	doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		if d.Remove > 0 {
			tx.DeleteAt(d.Offset, d.Remove)
		}
		if d.Insert != "" {
			tx.InsertAt(d.Offset, d.Insert)
		}
	})
}
