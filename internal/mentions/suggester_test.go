package mentions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"livecomments/internal/models"
)

// fakeSearch is a scriptable UserSearch
type fakeSearch struct {
	mu     sync.Mutex
	users  []models.MentionCandidate
	recent []models.MentionCandidate
	calls  []string
	err    error
	gates  map[string]chan struct{}
	limits []int
}

func (f *fakeSearch) Search(ctx context.Context, prefix string, limit int) ([]models.MentionCandidate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prefix)
	f.limits = append(f.limits, limit)
	gate := f.gates[prefix]
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return f.recent, nil
	}
	var out []models.MentionCandidate
	for _, u := range f.users {
		if strings.HasPrefix(u.Handle, prefix) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeSearch) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func candidates(handles ...string) []models.MentionCandidate {
	out := make([]models.MentionCandidate, 0, len(handles))
	for _, h := range handles {
		out = append(out, models.MentionCandidate{Handle: h, DisplayName: strings.ToUpper(h)})
	}
	return out
}

func testConfig() *Config {
	return &Config{PageSize: 5, Debounce: 20 * time.Millisecond, LookupTimeout: 200 * time.Millisecond}
}

func newTestSuggester(search UserSearch) *Suggester {
	logger, _ := zap.NewDevelopment()
	return NewSuggester(search, testConfig(), logger)
}

func TestSuggest_PrefixLookup(t *testing.T) {
	search := &fakeSearch{users: candidates("alice", "albert", "bob")}
	s := newTestSuggester(search)

	res, err := s.Suggest(context.Background(), "hello @al", 9)
	require.NoError(t, err)

	assert.True(t, res.Active)
	assert.Equal(t, "al", res.Token)
	assert.Equal(t, 6, res.TokenStart)
	assert.Equal(t, 9, res.TokenEnd)
	assert.Equal(t, candidates("alice", "albert"), res.Candidates)
	assert.Equal(t, []string{"al"}, search.callList())
}

func TestSuggest_EmptyTokenAsksForRecentUsers(t *testing.T) {
	search := &fakeSearch{recent: candidates("r1", "r2", "r3", "r4", "r5", "r6", "r7")}
	s := newTestSuggester(search)

	res, err := s.Suggest(context.Background(), "hey @", 5)
	require.NoError(t, err)

	assert.True(t, res.Active)
	assert.Equal(t, "", res.Token)
	assert.Len(t, res.Candidates, 5, "results are capped at the page size")
	assert.Equal(t, []string{""}, search.callList())
	assert.Equal(t, []int{5}, search.limits)
}

func TestSuggest_NoToken(t *testing.T) {
	search := &fakeSearch{}
	s := newTestSuggester(search)

	res, err := s.Suggest(context.Background(), "a@b.com", 7)
	require.NoError(t, err)
	assert.False(t, res.Active)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, search.callList())
}

func TestSuggest_MalformedTokenSkipsLookup(t *testing.T) {
	search := &fakeSearch{}
	s := newTestSuggester(search)

	res, err := s.Suggest(context.Background(), "@al!ce", 6)
	require.NoError(t, err)
	assert.False(t, res.Active)
	assert.Empty(t, search.callList())
}

func TestSuggest_InvalidCaret(t *testing.T) {
	s := newTestSuggester(&fakeSearch{})

	_, err := s.Suggest(context.Background(), "@al", 4)
	assert.ErrorIs(t, err, ErrInvalidCaret)
}

func TestSuggest_FailuresMeanNoCandidates(t *testing.T) {
	t.Run("search error", func(t *testing.T) {
		s := newTestSuggester(&fakeSearch{err: errors.New("search down")})

		res, err := s.Suggest(context.Background(), "@al", 3)
		require.NoError(t, err)
		assert.True(t, res.Active)
		assert.Empty(t, res.Candidates)
	})

	t.Run("timeout", func(t *testing.T) {
		gate := make(chan struct{})
		defer close(gate)
		s := newTestSuggester(&fakeSearch{gates: map[string]chan struct{}{"al": gate}})

		start := time.Now()
		res, err := s.Suggest(context.Background(), "@al", 3)
		require.NoError(t, err)
		assert.Empty(t, res.Candidates)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestSession_DebounceLastKeystrokeWins(t *testing.T) {
	search := &fakeSearch{users: candidates("alice", "alina")}
	s := newTestSuggester(search)

	updates := make(chan State, 4)
	session := s.NewSession(func(st State) { updates <- st })
	defer session.Close()

	session.Update("@a", 2)
	session.Update("@al", 3)
	session.Update("@ali", 4)

	select {
	case st := <-updates:
		require.NotNil(t, st.Token)
		assert.Equal(t, "ali", st.Token.Text)
		assert.Equal(t, candidates("alice", "alina"), st.Candidates)
	case <-time.After(time.Second):
		t.Fatal("no suggestions delivered")
	}

	assert.Equal(t, []string{"ali"}, search.callList())
}

func TestSession_StaleResponseDiscarded(t *testing.T) {
	slow := make(chan struct{})
	search := &fakeSearch{
		users: candidates("alice", "bob"),
		gates: map[string]chan struct{}{"a": slow},
	}
	s := newTestSuggester(search)

	updates := make(chan State, 4)
	session := s.NewSession(func(st State) { updates <- st })
	defer session.Close()

	session.Update("@a", 2)
	require.Eventually(t, func() bool { return len(search.callList()) == 1 }, time.Second, 5*time.Millisecond)

	// A newer keystroke supersedes the in-flight lookup for "a"
	session.Update("@b", 2)
	close(slow)

	select {
	case st := <-updates:
		require.NotNil(t, st.Token)
		assert.Equal(t, "b", st.Token.Text)
		assert.Equal(t, candidates("bob"), st.Candidates)
	case <-time.After(time.Second):
		t.Fatal("no suggestions delivered")
	}

	select {
	case st := <-updates:
		t.Fatalf("unexpected extra update: %+v", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_ClosingMentionClearsSuggestions(t *testing.T) {
	search := &fakeSearch{users: candidates("alice")}
	s := newTestSuggester(search)

	updates := make(chan State, 4)
	session := s.NewSession(func(st State) { updates <- st })
	defer session.Close()

	session.Update("@al", 3)
	<-updates
	require.Len(t, session.State().Candidates, 1)

	session.Update("@al ", 4)
	st := session.State()
	assert.Nil(t, st.Token)
	assert.Empty(t, st.Candidates)
}

func TestSession_KeyboardNavigationAndCommit(t *testing.T) {
	search := &fakeSearch{users: candidates("alice", "albert", "alfred")}
	s := newTestSuggester(search)

	updates := make(chan State, 4)
	session := s.NewSession(func(st State) { updates <- st })
	defer session.Close()

	session.Update("hello @al test", 9)
	<-updates

	_, ok := session.Key(KeyUp)
	assert.False(t, ok)
	assert.Equal(t, 0, session.State().Highlight, "up at the top stays put")

	session.Key(KeyDown)
	session.Key(KeyDown)
	session.Key(KeyDown)
	assert.Equal(t, 2, session.State().Highlight, "down clamps at the last entry")

	session.Key(KeyUp)
	assert.Equal(t, 1, session.State().Highlight)

	edit, ok := session.Key(KeyEnter)
	require.True(t, ok)
	assert.Equal(t, "hello @albert test", edit.Text)
	assert.Equal(t, 14, edit.Caret)
	assert.Empty(t, session.State().Candidates)
}

func TestSession_EscapeClears(t *testing.T) {
	search := &fakeSearch{users: candidates("alice")}
	s := newTestSuggester(search)

	updates := make(chan State, 4)
	session := s.NewSession(func(st State) { updates <- st })
	defer session.Close()

	session.Update("@al", 3)
	<-updates

	_, ok := session.Key(KeyEscape)
	assert.False(t, ok)
	assert.Empty(t, session.State().Candidates)

	_, ok = session.Key(KeyEnter)
	assert.False(t, ok, "nothing to commit after escape")
}

func TestSession_EnterWithoutCandidates(t *testing.T) {
	s := newTestSuggester(&fakeSearch{})
	session := s.NewSession(nil)
	defer session.Close()

	session.Update("plain text", 5)
	_, ok := session.Key(KeyEnter)
	assert.False(t, ok)
}
