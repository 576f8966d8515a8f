package fields

import (
	"fmt"
	"strings"
)

// Role is the effective access level of a user on a field.
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleNone    Role = "none"
	RolePublic  Role = "public"
	RoleViewer  Role = "viewer"
	RoleEditor  Role = "editor"
	RoleOwner   Role = "owner"
)

// CollaboratorRole is the role stored on a collaborator row.
type CollaboratorRole string

const (
	CollaboratorViewer CollaboratorRole = "viewer"
	CollaboratorEditor CollaboratorRole = "editor"
)

// NewCollaboratorRole validates raw input. An empty value yields viewer.
func NewCollaboratorRole(rawInput string) (CollaboratorRole, error) {
	switch CollaboratorRole(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", CollaboratorViewer:
		return CollaboratorViewer, nil
	case CollaboratorEditor:
		return CollaboratorEditor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// AccessChecks holds the results of the four authorization checks.
type AccessChecks struct {
	IsOwner   bool
	HasEditor bool
	HasView   bool
	IsPublic  bool
}

// Role applies owner > editor > public > viewer > none precedence.
func (checks AccessChecks) Role() Role {
	switch {
	case checks.IsOwner:
		return RoleOwner
	case checks.HasEditor:
		return RoleEditor
	case checks.IsPublic:
		return RolePublic
	case checks.HasView:
		return RoleViewer
	default:
		return RoleNone
	}
}

// Permissions lists the capabilities derived from a role.
type Permissions struct {
	CanView                bool `json:"can_view"`
	CanEdit                bool `json:"can_edit"`
	CanDelete              bool `json:"can_delete"`
	CanManageCollaborators bool `json:"can_manage_collaborators"`
	CanAddEmitters         bool `json:"can_add_emitters"`
	CanEditEmitters        bool `json:"can_edit_emitters"`
	CanRemoveEmitters      bool `json:"can_remove_emitters"`
}

// PermissionsFor derives permissions from a role. Unknown and none grant nothing.
func PermissionsFor(role Role) Permissions {
	isOwner := role == RoleOwner
	canEdit := isOwner || role == RoleEditor
	canView := canEdit || role == RolePublic || role == RoleViewer
	return Permissions{
		CanView:                canView,
		CanEdit:                canEdit,
		CanDelete:              canEdit,
		CanManageCollaborators: isOwner,
		CanAddEmitters:         canEdit,
		CanEditEmitters:        canEdit,
		CanRemoveEmitters:      canEdit,
	}
}
