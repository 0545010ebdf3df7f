// Package annotate splits a comment body into text runs and inline media
// references for rendering. The stored text is never modified.
package annotate

import (
	"iter"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind discriminates segments
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// Notation records how a media reference was written
type Notation string

const (
	NotationPlaceholder Notation = "gif_placeholder"
	NotationBareURL     Notation = "bare_url"
)

// Segment is one unit of annotated content
type Segment struct {
	Kind       Kind     `json:"kind"`
	Value      string   `json:"value,omitempty"`
	URL        string   `json:"url,omitempty"`
	IsAnimated bool     `json:"is_animated,omitempty"`
	Notation   Notation `json:"notation,omitempty"`
}

// Raw returns the segment in its original notation
func (s Segment) Raw() string {
	if s.Kind == KindText {
		return s.Value
	}
	if s.Notation == NotationPlaceholder {
		return placeholderOpen + s.URL + placeholderClose
	}
	return s.URL
}

const (
	placeholderOpen  = "[GIF:"
	placeholderClose = "]"
)

// The placeholder alternative comes first so that, at any position, a
// placeholder wins over a bare URL starting inside it.
var mediaPattern = regexp.MustCompile(
	`\[GIF:([^\]\s]+)\]` +
		`|(?i:(https?://[^\s\[\]<>"']+\.(?:png|jpe?g|gif|webp|bmp|avif)(?:\?[^\s\[\]<>"']*)?))`,
)

// Annotation is a lazily evaluated, restartable view over a comment body
type Annotation struct {
	text string
}

// Annotate prepares text for segmentation; no work is done until iteration
func Annotate(text string) Annotation {
	return Annotation{text: text}
}

// All yields the segments in source order. Each call starts a new pass.
func (a Annotation) All() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		rest := a.text
		for len(rest) > 0 {
			loc, ok := nextMedia(rest)
			if !ok {
				yield(Segment{Kind: KindText, Value: rest})
				return
			}
			if loc.start > 0 {
				if !yield(Segment{Kind: KindText, Value: rest[:loc.start]}) {
					return
				}
			}
			if !yield(loc.segment) {
				return
			}
			rest = rest[loc.end:]
		}
	}
}

// Segments collects every segment
func (a Annotation) Segments() []Segment {
	var out []Segment
	for seg := range a.All() {
		out = append(out, seg)
	}
	return out
}

// HasMedia reports whether the text contains any media reference
func (a Annotation) HasMedia() bool {
	for seg := range a.All() {
		if seg.Kind == KindMedia {
			return true
		}
	}
	return false
}

// Serialize joins segments back into text, re-wrapping media in their
// original notation
func Serialize(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Raw())
	}
	return b.String()
}

type match struct {
	start, end int
	segment    Segment
}

// nextMedia finds the first media reference in s. A bare URL glued to a
// following letter or digit is not an image link and is skipped.
func nextMedia(s string) (match, bool) {
	offset := 0
	for offset < len(s) {
		loc := mediaPattern.FindStringSubmatchIndex(s[offset:])
		if loc == nil {
			return match{}, false
		}
		start, end := offset+loc[0], offset+loc[1]

		if loc[2] >= 0 {
			url := s[offset+loc[2] : offset+loc[3]]
			return match{start: start, end: end, segment: Segment{
				Kind:       KindMedia,
				URL:        url,
				IsAnimated: true,
				Notation:   NotationPlaceholder,
			}}, true
		}

		url := s[offset+loc[4] : offset+loc[5]]
		if end < len(s) {
			if r, _ := utf8.DecodeRuneInString(s[end:]); unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' {
				offset = start + 1
				continue
			}
		}
		return match{start: start, end: end, segment: Segment{
			Kind:       KindMedia,
			URL:        url,
			IsAnimated: isAnimated(url),
			Notation:   NotationBareURL,
		}}, true
	}
	return match{}, false
}

func isAnimated(url string) bool {
	path := url
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(strings.ToLower(path), ".gif")
}
