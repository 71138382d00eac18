// Package lifecycle implements the report status machine:
//
//	draft -> in_review -> approved -> published
//
// with reject sending a report under review back to draft, and fork creating
// an independent draft copy of an approved or published report.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
)

type Action string

const (
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionPublish Action = "publish"
	ActionFork    Action = "fork"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrGuardFailed       = errors.New("transition guard failed")
)

type edge struct {
	action Action
	to     string
}

// transitions lists the status-changing edges out of each status, in the
// order they are reported to callers.
var transitions = map[string][]edge{
	store.StatusDraft:     {{ActionSubmit, store.StatusInReview}},
	store.StatusInReview:  {{ActionApprove, store.StatusApproved}, {ActionReject, store.StatusDraft}},
	store.StatusApproved:  {{ActionPublish, store.StatusPublished}},
	store.StatusPublished: {},
}

// permissions maps each action to the role permission it requires.
var permissions = map[Action]rbac.Action{
	ActionSubmit:  rbac.ActionSubmit,
	ActionApprove: rbac.ActionApprove,
	ActionReject:  rbac.ActionApprove,
	ActionPublish: rbac.ActionPublish,
	ActionFork:    rbac.ActionFork,
}

// IllegalTransitionError carries the current status and the statuses
// reachable from it.
type IllegalTransitionError struct {
	Current   string
	Requested string
	Allowed   []string
}

func (e *IllegalTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("%s is not allowed from %s (allowed next states: %s)", e.Requested, e.Current, allowed)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// GuardError reports that a legal transition's precondition does not hold.
type GuardError struct {
	Action Action
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

func (e *GuardError) Is(target error) bool {
	return target == ErrGuardFailed
}

// Next returns the status reached by applying action in status from.
func Next(from string, action Action) (string, error) {
	for _, e := range transitions[from] {
		if e.action == action {
			return e.to, nil
		}
	}
	return "", &IllegalTransitionError{Current: from, Requested: string(action), Allowed: AllowedStatuses(from)}
}

// Resolve finds the action that moves a report from one status to another.
func Resolve(from, to string) (Action, error) {
	for _, e := range transitions[from] {
		if e.to == to {
			return e.action, nil
		}
	}
	return "", &IllegalTransitionError{Current: from, Requested: to, Allowed: AllowedStatuses(from)}
}

// AllowedStatuses lists the statuses directly reachable from status.
func AllowedStatuses(status string) []string {
	edges := transitions[status]
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.to)
	}
	return out
}

// AllowedActions lists every action available in status, fork included.
func AllowedActions(status string) []Action {
	edges := transitions[status]
	out := make([]Action, 0, len(edges)+1)
	for _, e := range edges {
		out = append(out, e.action)
	}
	if Forkable(status) {
		out = append(out, ActionFork)
	}
	return out
}

func Forkable(status string) bool {
	return status == store.StatusApproved || status == store.StatusPublished
}

// Editable reports whether report content may change in status.
func Editable(status string) bool {
	return status == store.StatusDraft
}
