// Package chunk splits outbound replies into pieces the transport accepts.
package chunk

import "unicode/utf8"

// DefaultSize stays below Telegram's 4096 character message limit.
const DefaultSize = 4000

// Split cuts text into consecutive pieces of at most size runes each. It does
// not look for word boundaries, so a word may be split across two pieces.
// Joining the result reproduces text exactly. An empty text yields no pieces.
//
// Size counts runes. Telegram counts UTF-16 code units, so a piece made of
// characters outside the BMP (most emoji) can be up to twice size units long.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	out := []string{}
	for len(text) > 0 {
		end, n := 0, 0
		for end < len(text) && n < size {
			_, w := utf8.DecodeRuneInString(text[end:])
			end += w
			n++
		}
		out = append(out, text[:end])
		text = text[end:]
	}
	return out
}
