// Package moderation holds the comment lifecycle rules: which transitions
// exist, from which states, and who may request them.
package moderation

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"livecomments/internal/models"
)

// Action is a transition requested on a single comment
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionDelete  Action = "delete"
	ActionIgnore  Action = "ignore"
)

// ParseAction converts user input into an Action
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionApprove, ActionReject, ActionDelete, ActionIgnore:
		return a, nil
	}
	return "", fmt.Errorf("unknown moderation action %q", s)
}

// Kind returns the audit kind recorded for the action
func (a Action) Kind() models.ActionKind {
	switch a {
	case ActionApprove:
		return models.ActionApprove
	case ActionReject:
		return models.ActionReject
	case ActionDelete:
		return models.ActionDelete
	default:
		return models.ActionIgnore
	}
}

var (
	// ErrInvalidTransition means the action is not allowed from the current state
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotPermitted means the actor may not request the action
	ErrNotPermitted = errors.New("not permitted")
)

type rule struct {
	from          []models.Status
	to            models.Status
	moderatorOnly bool
	// resolvesReports marks actions that close every open report atomically.
	resolvesReports bool
}

var rules = map[Action]rule{
	ActionApprove: {
		from:            []models.Status{models.StatusPending, models.StatusRejected},
		to:              models.StatusApproved,
		moderatorOnly:   true,
		resolvesReports: true,
	},
	ActionReject: {
		from:          []models.Status{models.StatusPending, models.StatusApproved},
		to:            models.StatusRejected,
		moderatorOnly: true,
	},
	ActionDelete: {
		from:            []models.Status{models.StatusPending, models.StatusApproved, models.StatusRejected},
		to:              models.StatusDeleted,
		resolvesReports: true,
	},
	// ignore resolves reports and leaves the status as it is
	ActionIgnore: {
		from:            []models.Status{models.StatusPending, models.StatusApproved, models.StatusRejected},
		moderatorOnly:   true,
		resolvesReports: true,
	},
}

// Outcome is the result of applying an action to a comment
type Outcome struct {
	From            models.Status
	To              models.Status
	ResolvesReports bool
	// Audited is set when the action must produce a ModerationAction record.
	Audited bool
}

// StatusChanged reports whether the primary status moves
func (o Outcome) StatusChanged() bool {
	return o.From != o.To
}

// InitialStatus returns the status of a newly submitted comment
func InitialStatus(preModeration bool) models.Status {
	if preModeration {
		return models.StatusPending
	}
	return models.StatusApproved
}

// Authorize checks that actor may request action on comment
func Authorize(actor models.Actor, comment *models.Comment, action Action) error {
	r, ok := rules[action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrNotPermitted, action)
	}
	if actor.IsModerator() {
		return nil
	}
	if !r.moderatorOnly && actor.IsAuthorOf(comment) {
		return nil
	}
	return fmt.Errorf("%w: %s requires %s", ErrNotPermitted, action, requirement(r))
}

func requirement(r rule) string {
	if r.moderatorOnly {
		return "moderator"
	}
	return "author or moderator"
}

// Apply computes the outcome of action on a comment in state current. It does
// not check authorization.
func Apply(current models.Status, action Action, byModerator bool) (Outcome, error) {
	r, ok := rules[action]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if !slices.Contains(r.from, current) {
		return Outcome{}, fmt.Errorf("%w: cannot %s a %s comment", ErrInvalidTransition, action, current)
	}

	to := r.to
	if to == "" {
		to = current
	}
	return Outcome{
		From:            current,
		To:              to,
		ResolvesReports: r.resolvesReports,
		Audited:         byModerator,
	}, nil
}

// Reachable returns the statuses a moderator can reach from current in one step
func Reachable(current models.Status) []models.Status {
	var out []models.Status
	for _, action := range []Action{ActionApprove, ActionReject, ActionDelete} {
		if o, err := Apply(current, action, true); err == nil && o.StatusChanged() {
			out = append(out, o.To)
		}
	}
	return out
}
