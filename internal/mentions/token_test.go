package mentions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectToken(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		caret     int
		wantOK    bool
		wantText  string
		wantStart int
		wantEnd   int
	}{
		{"partial handle", "hello @al", 9, true, "al", 6, 9},
		{"email does not trigger", "a@b.com", 7, false, "", 0, 0},
		{"bare at sign", "@", 1, true, "", 0, 1},
		{"at start of text", "@bob", 4, true, "bob", 0, 4},
		{"after newline", "line\n@bo", 8, true, "bo", 5, 8},
		{"caret mid token", "hello @alice", 9, true, "al", 6, 9},
		{"closed by whitespace", "hi @al bob", 10, false, "", 0, 0},
		{"caret right after space", "hi @al ", 7, false, "", 0, 0},
		{"no at sign", "hello", 5, false, "", 0, 0},
		{"caret before at", "hello @al", 6, false, "", 0, 0},
		{"double at", "x @@al", 6, false, "", 0, 0},
		{"caret out of range", "@al", 9, false, "", 0, 0},
		{"negative caret", "@al", -1, false, "", 0, 0},
		{"multibyte text", "héllo @zoë", 10, true, "zoë", 6, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, ok := DetectToken(tt.text, tt.caret)
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantText, tok.Text)
			assert.Equal(t, tt.wantStart, tok.Start)
			assert.Equal(t, tt.wantEnd, tok.End)
		})
	}
}

func TestCommit(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		caret     int
		handle    string
		wantText  string
		wantCaret int
	}{
		{"followed by text", "hello @al test", 9, "alice", "hello @alice test", 13},
		{"at end of text", "hello @al", 9, "alice", "hello @alice ", 13},
		{"bare at sign", "@", 1, "bob", "@bob ", 5},
		{"followed by newline", "@al\nnext", 3, "alice", "@alice\nnext", 7},
		{"multibyte prefix", "é @z", 4, "zoë", "é @zoë ", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edit, ok := Commit(tt.text, tt.caret, tt.handle)
			require.True(t, ok)
			assert.Equal(t, tt.wantText, edit.Text)
			assert.Equal(t, tt.wantCaret, edit.Caret)
		})
	}
}

func TestCommit_RederivesFromCurrentText(t *testing.T) {
	// The caret no longer sits in a mention once the user typed a space
	_, ok := Commit("hello @al ", 10, "alice")
	assert.False(t, ok)

	_, ok = Commit("hello @al", 9, "")
	assert.False(t, ok)
}

func TestToken_WellFormed(t *testing.T) {
	assert.True(t, Token{Text: ""}.WellFormed())
	assert.True(t, Token{Text: "al_ice.b-2"}.WellFormed())
	assert.False(t, Token{Text: "al!ce"}.WellFormed())
	assert.False(t, Token{Text: "a/b"}.WellFormed())
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single", "thanks @alice", []string{"alice"}},
		{"several with duplicates", "@bob and @alice, also @Bob", []string{"bob", "alice"}},
		{"trailing punctuation", "ping @carol.", []string{"carol"}},
		{"email ignored", "mail me at a@b.com", nil},
		{"bare at", "just @ here", nil},
		{"newline boundary", "hi\n@dave", []string{"dave"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.text))
		})
	}
}
