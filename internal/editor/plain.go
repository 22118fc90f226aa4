package editor

// PlainText is a single-line-geometry plain text field. User edits go
// through Type/Erase/Replace which fire change callbacks; SetContent is
// the programmatic path and stays silent, mirroring how a real text field
// distinguishes input events from value assignment.
type PlainText struct {
	content   []rune
	cursor    int
	focused   bool
	onChange  []func()
	onCursor  []func(int)
	charWidth int
	lineH     int
}

func NewPlainText() *PlainText {
	return &PlainText{charWidth: 8, lineH: 16}
}

func (e *PlainText) Content() string { return string(e.content) }

func (e *PlainText) SetContent(s string) {
	e.content = []rune(s)
	if e.cursor > len(e.content) {
		e.cursor = len(e.content)
	}
}

func (e *PlainText) CursorOffset() int { return e.cursor }

func (e *PlainText) SetCursorOffset(offset int) {
	e.cursor = clamp(offset, len(e.content))
}

func (e *PlainText) Focused() bool { return e.focused }

// SetFocused simulates focus/blur.
func (e *PlainText) SetFocused(focused bool) { e.focused = focused }

func (e *PlainText) OnChange(fn func())        { e.onChange = append(e.onChange, fn) }
func (e *PlainText) OnCursorMove(fn func(int)) { e.onCursor = append(e.onCursor, fn) }

// Type inserts s at the cursor as a user edit.
func (e *PlainText) Type(s string) {
	ins := []rune(s)
	rest := append([]rune{}, e.content[e.cursor:]...)
	e.content = append(append(e.content[:e.cursor], ins...), rest...)
	e.cursor += len(ins)
	e.fireChange()
}

// Erase deletes n runes before the cursor as a user edit.
func (e *PlainText) Erase(n int) {
	if n > e.cursor {
		n = e.cursor
	}
	if n == 0 {
		return
	}
	e.content = append(e.content[:e.cursor-n], e.content[e.cursor:]...)
	e.cursor -= n
	e.fireChange()
}

// Replace swaps the whole buffer as a user edit (paste-over-all).
func (e *PlainText) Replace(s string) {
	e.content = []rune(s)
	e.cursor = len(e.content)
	e.fireChange()
}

// MoveCursor moves the cursor as a user action and notifies listeners.
func (e *PlainText) MoveCursor(offset int) {
	e.cursor = clamp(offset, len(e.content))
	for _, fn := range e.onCursor {
		fn(e.cursor)
	}
}

func (e *PlainText) fireChange() {
	for _, fn := range e.onChange {
		fn()
	}
}

// PositionFor implements Geometry over a single unwrapped line.
func (e *PlainText) PositionFor(offset int) CursorPos {
	offset = clamp(offset, len(e.content))
	return CursorPos{X: offset * e.charWidth, Y: 0, LineHeight: e.lineH}
}

func clamp(offset, max int) int {
	if offset < 0 {
		return 0
	}
	if offset > max {
		return max
	}
	return offset
}
