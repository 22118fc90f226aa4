package crdt

// positionBase is the size of the digit alphabet at every level of a
// position identifier. Midpoint allocation keeps generated digits well
// inside (0, positionBase) so neighbouring inserts rarely force a deeper
// level.
const positionBase = uint64(1) << 32

// Digit is one level of a position identifier. Every digit carries the
// site that minted it, so two replicas splitting the same gap produce
// distinct, totally ordered positions instead of a tie.
type Digit struct {
	D    uint64 `json:"d"`
	Site uint64 `json:"s"`
}

func compareDigits(a, b Digit) int {
	switch {
	case a.D < b.D:
		return -1
	case a.D > b.D:
		return 1
	case a.Site < b.Site:
		return -1
	case a.Site > b.Site:
		return 1
	}
	return 0
}

// Position is a dense, totally ordered identifier for one atom. Positions
// compare level by level; when one is a prefix of the other, the shorter
// one sorts first. Distinct atoms always carry distinct positions: the
// site baked into each digit breaks what would otherwise be concurrent
// midpoint ties, keeping array order and atomLess order consistent on
// every replica.
type Position []Digit

func comparePositions(a, b Position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareDigits(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// positionBetween returns a fresh position strictly greater than left and,
// when right is non-nil, strictly less than right. A nil left means the
// document head, a nil right means the tail.
func positionBetween(left, right Position, site uint64) Position {
	out := make(Position, 0, len(left)+1)
	rightActive := right != nil
	for depth := 0; ; depth++ {
		ld := Digit{}
		if depth < len(left) {
			ld = left[depth]
		}
		rd := Digit{D: positionBase}
		if rightActive && depth < len(right) {
			rd = right[depth]
		}
		if rd.D > ld.D+1 {
			return append(out, Digit{D: ld.D + (rd.D-ld.D)/2, Site: site})
		}
		// No room at this level: copy the left digit and descend.
		out = append(out, ld)
		if rightActive && depth < len(right) && compareDigits(ld, rd) < 0 {
			rightActive = false
		}
	}
}
