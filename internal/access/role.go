package access

// Role is the access level a user holds on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// Rank orders roles by capability: owner > editor > viewer > none.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// CanView reports whether the role grants read access.
func (r Role) CanView() bool {
	return r.Rank() >= RoleViewer.Rank()
}

// CanEdit reports whether the role grants write access. Realtime writable
// sessions require strictly owner or editor.
func (r Role) CanEdit() bool {
	return r.Rank() >= RoleEditor.Rank()
}

// CanShare reports whether the role may manage collaborators.
func (r Role) CanShare() bool {
	return r == RoleOwner
}

// CanDelete reports whether the role may delete the document.
func (r Role) CanDelete() bool {
	return r == RoleOwner
}

// ParseCollaboratorRole maps a stored collaborator role string onto a Role.
// Collaborator entries only ever carry editor or viewer.
func ParseCollaboratorRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleEditor:
		return RoleEditor, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return RoleNone, false
	}
}
