// Package rbac holds the role matrix that gates report operations.
package rbac

import (
	"errors"
	"fmt"
)

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionEdit    Action = "edit"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionExport  Action = "export"
	ActionPublish Action = "publish"
	ActionFork    Action = "fork"
	ActionAdmin   Action = "admin"
)

var ErrForbidden = errors.New("forbidden")

// Actor is the authenticated caller.
type Actor struct {
	ID   string
	Role Role
}

// Resource identifies what an action targets.
type Resource struct {
	Type string
	ID   string
}

// Authorizer decides whether actor may perform action on resource.
type Authorizer interface {
	Authorize(actor Actor, action Action, resource Resource) error
}

// Matrix authorizes purely by role.
type Matrix struct{}

func (Matrix) Authorize(actor Actor, action Action, resource Resource) error {
	if Can(actor.Role, action) {
		return nil
	}
	return fmt.Errorf("%s %s %s/%s: %w", actor.Role, action, resource.Type, resource.ID, ErrForbidden)
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		switch action {
		case ActionRead, ActionComment, ActionApprove, ActionExport, ActionPublish, ActionFork:
			return true
		}
		return false
	case RoleEditor:
		switch action {
		case ActionRead, ActionComment, ActionEdit, ActionSubmit, ActionExport, ActionFork:
			return true
		}
		return false
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
