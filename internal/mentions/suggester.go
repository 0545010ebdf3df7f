package mentions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"livecomments/internal/models"
)

// UserSearch looks up mention candidates. An empty prefix asks for recently
// active users.
type UserSearch interface {
	Search(ctx context.Context, prefix string, limit int) ([]models.MentionCandidate, error)
}

// Config holds configuration for the suggester
type Config struct {
	PageSize      int           `json:"page_size" yaml:"page_size"`
	Debounce      time.Duration `json:"debounce" yaml:"debounce"`
	LookupTimeout time.Duration `json:"lookup_timeout" yaml:"lookup_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		PageSize:      5,
		Debounce:      150 * time.Millisecond,
		LookupTimeout: 2 * time.Second,
	}
}

// Result is the outcome of a suggestion request
type Result struct {
	Active     bool                      `json:"active"`
	Token      string                    `json:"token"`
	TokenStart int                       `json:"token_start"`
	TokenEnd   int                       `json:"token_end"`
	Candidates []models.MentionCandidate `json:"candidates"`
}

func resultFor(tok Token, candidates []models.MentionCandidate) Result {
	if candidates == nil {
		candidates = []models.MentionCandidate{}
	}
	return Result{
		Active:     true,
		Token:      tok.Text,
		TokenStart: tok.Start,
		TokenEnd:   tok.End,
		Candidates: candidates,
	}
}

// Suggester resolves mention tokens into candidate lists
type Suggester struct {
	search UserSearch
	config *Config
	logger *zap.Logger
}

// NewSuggester creates a suggester
func NewSuggester(search UserSearch, config *Config, logger *zap.Logger) *Suggester {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{search: search, config: config, logger: logger}
}

// Suggest performs a single, undebounced lookup for the token under the caret.
// Lookup failures and timeouts yield an active result with no candidates.
func (s *Suggester) Suggest(ctx context.Context, text string, caret int) (Result, error) {
	if !ValidCaret(text, caret) {
		return Result{}, ErrInvalidCaret
	}

	tok, ok := DetectToken(text, caret)
	if !ok || !tok.WellFormed() {
		return Result{Candidates: []models.MentionCandidate{}}, nil
	}

	return resultFor(tok, s.lookup(ctx, tok)), nil
}

// lookup queries user search, mapping every failure to no candidates
func (s *Suggester) lookup(ctx context.Context, tok Token) []models.MentionCandidate {
	ctx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
	defer cancel()

	candidates, err := s.search.Search(ctx, tok.Text, s.config.PageSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Mention lookup failed",
				zap.String("prefix", tok.Text),
				zap.Error(err),
			)
		}
		return nil
	}
	if len(candidates) > s.config.PageSize {
		candidates = candidates[:s.config.PageSize]
	}
	return candidates
}

// ===============================
// EDITOR SESSION
// ===============================

// Key is a navigation key understood by a Session
type Key int

const (
	KeyUp Key = iota
	KeyDown
	KeyEnter
	KeyEscape
)

// State is a snapshot of a session's dropdown
type State struct {
	Token      *Token                    `json:"token,omitempty"`
	Candidates []models.MentionCandidate `json:"candidates"`
	Highlight  int                       `json:"highlight"`
	Loading    bool                      `json:"loading"`
}

// Session tracks one compose box. Lookups are debounced and the most recent
// keystroke wins: responses to superseded lookups are discarded.
type Session struct {
	suggester *Suggester
	onChange  func(State)

	mu         sync.Mutex
	text       string
	caret      int
	generation uint64
	timer      *time.Timer
	cancel     context.CancelFunc
	state      State
	closed     bool
}

// NewSession creates an editor session. onChange, if not nil, is called with
// a snapshot after every asynchronous state change.
func (s *Suggester) NewSession(onChange func(State)) *Session {
	return &Session{suggester: s, onChange: onChange}
}

// Update records the current text and caret after a keystroke
func (se *Session) Update(text string, caret int) {
	se.mu.Lock()
	if se.closed {
		se.mu.Unlock()
		return
	}
	se.text, se.caret = text, caret
	se.invalidateLocked()

	tok, ok := DetectToken(text, caret)
	if !ok || !tok.WellFormed() {
		se.state = State{}
		se.mu.Unlock()
		return
	}

	se.state = State{Token: &tok, Loading: true}
	gen := se.generation
	se.timer = time.AfterFunc(se.suggester.config.Debounce, func() {
		se.run(gen, tok)
	})
	se.mu.Unlock()
}

// run performs the debounced lookup for generation gen
func (se *Session) run(gen uint64, tok Token) {
	se.mu.Lock()
	if se.closed || gen != se.generation {
		se.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	se.cancel = cancel
	se.mu.Unlock()

	candidates := se.suggester.lookup(ctx, tok)
	cancel()

	se.mu.Lock()
	if se.closed || gen != se.generation {
		se.mu.Unlock()
		return
	}
	se.cancel = nil
	se.state = State{Token: &tok, Candidates: candidates, Highlight: 0}
	snapshot := se.snapshotLocked()
	se.mu.Unlock()

	if se.onChange != nil {
		se.onChange(snapshot)
	}
}

// Key handles a navigation key. For KeyEnter with a highlighted candidate it
// returns the committed edit.
func (se *Session) Key(k Key) (Edit, bool) {
	se.mu.Lock()
	defer se.mu.Unlock()

	switch k {
	case KeyUp:
		if se.state.Highlight > 0 {
			se.state.Highlight--
		}
	case KeyDown:
		if se.state.Highlight < len(se.state.Candidates)-1 {
			se.state.Highlight++
		}
	case KeyEscape:
		se.invalidateLocked()
		se.state = State{}
	case KeyEnter:
		if len(se.state.Candidates) == 0 {
			return Edit{}, false
		}
		handle := se.state.Candidates[se.state.Highlight].Handle
		edit, ok := Commit(se.text, se.caret, handle)
		se.invalidateLocked()
		se.state = State{}
		if !ok {
			return Edit{}, false
		}
		se.text, se.caret = edit.Text, edit.Caret
		return edit, true
	}
	return Edit{}, false
}

// State returns a snapshot of the dropdown
func (se *Session) State() State {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.snapshotLocked()
}

// Close stops pending lookups; the session ignores further input
func (se *Session) Close() {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.invalidateLocked()
	se.closed = true
}

// invalidateLocked supersedes any pending or in-flight lookup
func (se *Session) invalidateLocked() {
	se.generation++
	if se.timer != nil {
		se.timer.Stop()
		se.timer = nil
	}
	if se.cancel != nil {
		se.cancel()
		se.cancel = nil
	}
}

func (se *Session) snapshotLocked() State {
	st := se.state
	if st.Token != nil {
		tok := *st.Token
		st.Token = &tok
	}
	st.Candidates = append([]models.MentionCandidate{}, st.Candidates...)
	return st
}
