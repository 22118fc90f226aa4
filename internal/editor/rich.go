package editor

import "strings"

// RichText models a multi-line rich editing surface. Content is exchanged
// as plain text with LF line breaks (CRLF is normalized on the way in,
// matching how rich editors serialize their document model), and geometry
// accounts for line wrapping by paragraph.
type RichText struct {
	PlainText
	lineH int
}

func NewRichText() *RichText {
	r := &RichText{lineH: 20}
	r.PlainText = *NewPlainText()
	return r
}

func (e *RichText) SetContent(s string) {
	e.PlainText.SetContent(normalize(s))
}

func (e *RichText) Type(s string) {
	e.PlainText.Type(normalize(s))
}

func (e *RichText) Replace(s string) {
	e.PlainText.Replace(normalize(s))
}

// PositionFor maps an offset to (column, line) coordinates.
func (e *RichText) PositionFor(offset int) CursorPos {
	runes := []rune(e.Content())
	offset = clamp(offset, len(runes))
	line, col := 0, 0
	for _, ch := range runes[:offset] {
		if ch == '\n' {
			line++
			col = 0
			continue
		}
		col++
	}
	return CursorPos{X: col * 8, Y: line * e.lineH, LineHeight: e.lineH}
}

func normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
