package session

import (
	"log"

	"loom/collab/internal/crdt"
)

// MergeSnapshot absorbs a persisted save that may have bypassed the relay
// entirely, without discarding concurrently typed local edits. When the
// snapshot already equals the live text this is a no-op, which is the
// common case after the relay propagated the saving replica's edits.
//
// Otherwise the snapshot is seeded into an independent throwaway document
// and that document's state is merged into the live one. The merge is
// convergent and drops nothing from either history, but when the persisted
// content never existed in shared form the combination can interleave both
// versions rather than produce a three-way diff. Best effort by design:
// collaborative editing here favors silent convergence over a conflict
// dialog.
func (s *Session) MergeSnapshot(persisted string) {
	if persisted == s.doc.Text().String() {
		return
	}
	if persisted == "" {
		// An externally cleared record carries nothing to absorb; local
		// edits stand.
		return
	}
	tmp := crdt.NewDoc()
	tmp.Transact(crdt.OriginLocal, func(tx *crdt.Txn) {
		tx.InsertAt(0, persisted)
	})
	state := tmp.EncodeState()
	if err := s.doc.ApplyUpdate(state); err != nil {
		log.Printf("session %s: snapshot merge failed: %v", s.docID, err)
		return
	}
	// Peers and late joiners need the merged-in history too; the equality
	// check above keeps the common save path from re-broadcasting.
	s.mgr.Send(state)
}
