package messaging

import (
	"strconv"
	"unicode/utf16"
)

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// EntityText returns the substring of text covered by e.
func EntityText(text string, e Entity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}
