package render

import (
	"strings"
	"unicode/utf8"
)

// Split cuts text into chunks of at most limit runes. Lines are kept whole
// where possible; a single line longer than limit is hard-split. Joining the
// chunks yields text again.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks   []string
		cur      strings.Builder
		curRunes int
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curRunes = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		n := utf8.RuneCountInString(line)
		if curRunes+n <= limit {
			cur.WriteString(line)
			curRunes += n
			continue
		}
		flush()
		for n > limit {
			cut := byteOffset(line, limit)
			chunks = append(chunks, line[:cut])
			line = line[cut:]
			n -= limit
		}
		cur.WriteString(line)
		curRunes = n
	}
	flush()
	return chunks
}

// byteOffset returns the byte index just past the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for j := range s {
		if i == n {
			return j
		}
		i++
	}
	return len(s)
}
