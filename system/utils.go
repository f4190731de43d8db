package system

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// FirstNotEmpty returns the first string passed in that is not an empty value.
func FirstNotEmpty(v ...string) string {
	for _, val := range v {
		if val != "" {
			return val
		}
	}
	return ""
}

func FormatBytes[T int | int16 | int32 | int64 | uint | uint16 | uint32 | uint64](b T) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(1024), 0
	for n := b / 1024; n >= 1024; n /= 1024 {
		div *= 1024
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Preview returns a short, quoted representation of a byte slice that is safe
// to print on a single terminal line. Anything past max bytes is elided and the
// total length is appended so that two previews with the same prefix can still
// be told apart.
func Preview(b []byte, max int) string {
	if len(b) == 0 {
		return "<empty>"
	}
	if !utf8.Valid(b) || bytes.IndexByte(b, 0) >= 0 {
		return fmt.Sprintf("<binary, %s>", FormatBytes(len(b)))
	}
	if len(b) <= max {
		return strconv.Quote(string(b))
	}
	// Don't cut a multibyte rune in half.
	cut := max
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... (%s)", strconv.Quote(string(b[:cut])), FormatBytes(len(b)))
}
