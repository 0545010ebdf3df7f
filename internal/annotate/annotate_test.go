package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotate_PlaceholderRoundTrip(t *testing.T) {
	input := "look [GIF:https://x.com/a.gif] nice"

	segs := Annotate(input).Segments()
	require.Len(t, segs, 3)

	assert.Equal(t, Segment{Kind: KindText, Value: "look "}, segs[0])
	assert.Equal(t, Segment{
		Kind:       KindMedia,
		URL:        "https://x.com/a.gif",
		IsAnimated: true,
		Notation:   NotationPlaceholder,
	}, segs[1])
	assert.Equal(t, Segment{Kind: KindText, Value: " nice"}, segs[2])

	assert.Equal(t, input, Serialize(segs))
}

func TestAnnotate_BareURLIsOneMediaSegment(t *testing.T) {
	segs := Annotate("see https://x.com/b.png here").Segments()
	require.Len(t, segs, 3)

	assert.Equal(t, KindMedia, segs[1].Kind)
	assert.Equal(t, "https://x.com/b.png", segs[1].URL)
	assert.False(t, segs[1].IsAnimated)
	assert.Equal(t, NotationBareURL, segs[1].Notation)

	for _, seg := range segs {
		if seg.Kind == KindText {
			assert.NotContains(t, seg.Value, "https://")
		}
	}
}

func TestAnnotate_Segments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Segment
	}{
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "plain text keeps whitespace",
			input: "  two\n\nlines  ",
			want:  []Segment{{Kind: KindText, Value: "  two\n\nlines  "}},
		},
		{
			name:  "bare gif is animated",
			input: "https://x.com/cat.GIF",
			want: []Segment{
				{Kind: KindMedia, URL: "https://x.com/cat.GIF", IsAnimated: true, Notation: NotationBareURL},
			},
		},
		{
			name:  "query string",
			input: "pic http://cdn.io/p.jpeg?w=200&h=100 end",
			want: []Segment{
				{Kind: KindText, Value: "pic "},
				{Kind: KindMedia, URL: "http://cdn.io/p.jpeg?w=200&h=100", Notation: NotationBareURL},
				{Kind: KindText, Value: " end"},
			},
		},
		{
			name:  "adjacent media",
			input: "[GIF:https://a.io/1.gif][GIF:https://a.io/2.gif]",
			want: []Segment{
				{Kind: KindMedia, URL: "https://a.io/1.gif", IsAnimated: true, Notation: NotationPlaceholder},
				{Kind: KindMedia, URL: "https://a.io/2.gif", IsAnimated: true, Notation: NotationPlaceholder},
			},
		},
		{
			name:  "sentence punctuation after url",
			input: "nice: https://x.com/b.webp, right?",
			want: []Segment{
				{Kind: KindText, Value: "nice: "},
				{Kind: KindMedia, URL: "https://x.com/b.webp", Notation: NotationBareURL},
				{Kind: KindText, Value: ", right?"},
			},
		},
		{
			name:  "non image url stays text",
			input: "read https://x.com/post/1 now",
			want:  []Segment{{Kind: KindText, Value: "read https://x.com/post/1 now"}},
		},
		{
			name:  "extension followed by path is not an image",
			input: "https://x.com/a.png/edit",
			want:  []Segment{{Kind: KindText, Value: "https://x.com/a.png/edit"}},
		},
		{
			name:  "unterminated placeholder falls back to bare url",
			input: "[GIF:https://x.com/a.gif",
			want: []Segment{
				{Kind: KindText, Value: "[GIF:"},
				{Kind: KindMedia, URL: "https://x.com/a.gif", IsAnimated: true, Notation: NotationBareURL},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := Annotate(tt.input).Segments()
			assert.Equal(t, tt.want, segs)
			assert.Equal(t, tt.input, Serialize(segs))
		})
	}
}

func TestAnnotation_RestartableAndLazy(t *testing.T) {
	a := Annotate("a https://x.com/1.png b https://x.com/2.png c")

	first := a.Segments()
	second := a.Segments()
	assert.Equal(t, first, second)

	var seen int
	for seg := range a.All() {
		seen++
		if seg.Kind == KindMedia {
			break
		}
	}
	assert.Equal(t, 2, seen, "iteration stops as soon as the consumer does")

	assert.True(t, a.HasMedia())
	assert.False(t, Annotate("no media").HasMedia())
}
