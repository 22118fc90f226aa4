// Package editor defines the surface the sync core needs from a concrete
// editing widget, together with in-memory plain-text and rich-text
// implementations. The binding variant is chosen once at session creation;
// nothing in the core inspects the editor beyond this interface.
package editor

// CursorPos is a rendered cursor location in editor coordinates.
type CursorPos struct {
	X          int
	Y          int
	LineHeight int
}

// Editor is one editable field. Implementations are not required to be
// goroutine safe; the core serializes access per session.
type Editor interface {
	// Content returns the current buffer as plain text.
	Content() string
	// SetContent replaces the buffer. The cursor keeps its offset where
	// possible and is clamped to the new length otherwise; change
	// callbacks do not fire for programmatic writes.
	SetContent(s string)
	// CursorOffset is the rune offset of the local cursor.
	CursorOffset() int
	// SetCursorOffset moves the local cursor, clamped to the content.
	SetCursorOffset(offset int)
	// Focused reports whether the field currently has focus.
	Focused() bool
	// OnChange registers a callback fired after every user edit.
	OnChange(fn func())
	// OnCursorMove registers a callback fired after every user cursor
	// move, with the new offset.
	OnCursorMove(fn func(offset int))
}

// Geometry maps rune offsets to rendered coordinates, used to place
// remote cursor indicators. Offsets beyond the content clamp to the end.
type Geometry interface {
	PositionFor(offset int) CursorPos
}
