// Package jsonscan locates a brace-balanced JSON object embedded in free text.
package jsonscan

import "strings"

// Match is the result of a successful Scan.
type Match struct {
	// Prefix is the text before the opening brace.
	Prefix string
	// JSON is the balanced object, braces included. It is not guaranteed to
	// parse.
	JSON string
	// Rest is the text after the closing brace.
	Rest string
}

type state int

const (
	normal state = iota
	inString
	escaped
	escapedInString
)

// Scan finds the first '{' in text and returns the shortest span starting
// there whose brace nesting returns to zero. Braces inside quoted strings are
// ignored, and a backslash always consumes the byte that follows it. If text
// has no '{' or ends before the object closes, Scan returns false.
func Scan(text string) (Match, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return Match{}, false
	}

	st := normal
	depth := 0
	// Structural bytes are all ASCII, so iterating bytes is safe for UTF-8.
	for i := start; i < len(text); i++ {
		c := text[i]
		switch st {
		case escaped:
			st = normal
			continue
		case escapedInString:
			st = inString
			continue
		case inString:
			switch c {
			case '\\':
				st = escapedInString
			case '"':
				st = normal
			}
			continue
		}

		switch c {
		case '\\':
			st = escaped
		case '"':
			st = inString
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return Match{
					Prefix: text[:start],
					JSON:   text[start : i+1],
					Rest:   text[i+1:],
				}, true
			}
		}
	}
	return Match{}, false
}
