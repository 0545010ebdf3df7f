// Package mentions detects @mention tokens around a caret and drives the
// user-search dropdown for them. All offsets are code point offsets.
package mentions

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidCaret is returned when the caret lies outside the text
var ErrInvalidCaret = errors.New("caret offset out of range")

// Token is the mention being typed: Text is everything between the '@' and
// the caret, Start is the offset of the '@' and End the caret.
type Token struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Edit is a text change produced by committing a candidate
type Edit struct {
	Text  string `json:"text"`
	Caret int    `json:"caret"`
}

// DetectToken returns the mention token the caret is in, if any. The '@' must
// open the text or follow whitespace, and no whitespace may sit between it and
// the caret.
func DetectToken(text string, caret int) (Token, bool) {
	runes := []rune(text)
	if caret < 0 || caret > len(runes) {
		return Token{}, false
	}

	for i := caret - 1; i >= 0; i-- {
		r := runes[i]
		if unicode.IsSpace(r) {
			return Token{}, false
		}
		if r != '@' {
			continue
		}
		if i > 0 && !unicode.IsSpace(runes[i-1]) {
			return Token{}, false
		}
		return Token{Text: string(runes[i+1 : caret]), Start: i, End: caret}, true
	}
	return Token{}, false
}

// ValidCaret reports whether caret is a valid offset into text
func ValidCaret(text string, caret int) bool {
	return caret >= 0 && caret <= len([]rune(text))
}

// IsHandleRune reports whether r may appear in a handle
func IsHandleRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-'
}

// WellFormed reports whether the token can be looked up. An empty token is
// well formed and asks for recently active users.
func (t Token) WellFormed() bool {
	for _, r := range t.Text {
		if !IsHandleRune(r) {
			return false
		}
	}
	return true
}

// Commit replaces the token under the caret with "@handle " and places the
// caret after the inserted space. The token is re-derived from text and caret,
// so stale offsets are never used. Whitespace already following the caret
// stands in for the inserted space.
func Commit(text string, caret int, handle string) (Edit, bool) {
	tok, ok := DetectToken(text, caret)
	if !ok || handle == "" {
		return Edit{}, false
	}

	runes := []rune(text)
	before := runes[:tok.Start]
	after := runes[caret:]

	var b strings.Builder
	b.WriteString(string(before))
	b.WriteRune('@')
	b.WriteString(handle)

	newCaret := len(before) + 1 + len([]rune(handle)) + 1
	if len(after) > 0 && unicode.IsSpace(after[0]) {
		b.WriteRune(after[0])
		after = after[1:]
	} else {
		b.WriteRune(' ')
	}
	b.WriteString(string(after))

	return Edit{Text: b.String(), Caret: newCaret}, true
}

// Extract returns the handles mentioned in text, in order of first
// appearance, without duplicates (case-insensitive).
func Extract(text string) []string {
	runes := []rune(text)
	seen := make(map[string]struct{})
	var handles []string

	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' || (i > 0 && !unicode.IsSpace(runes[i-1])) {
			continue
		}
		j := i + 1
		for j < len(runes) && IsHandleRune(runes[j]) {
			j++
		}
		// trailing punctuation ends a sentence, not a handle
		end := j
		for end > i+1 && (runes[end-1] == '.' || runes[end-1] == '-') {
			end--
		}
		if end > i+1 {
			handle := string(runes[i+1 : end])
			key := strings.ToLower(handle)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				handles = append(handles, handle)
			}
		}
		i = j - 1
	}
	return handles
}
