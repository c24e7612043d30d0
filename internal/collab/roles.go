package collab

// Role is a user's standing on a project. RoleNone means no access.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Status is the lifecycle state of a collaborator row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
)

// Action is something a role may be permitted to do.
type Action string

const (
	ActionRead            Action = "read"
	ActionWrite           Action = "write"
	ActionInvite          Action = "invite"
	ActionManageRoster    Action = "manage_roster"
	ActionChangeRole      Action = "change_role"
	ActionManageAdmins    Action = "manage_admins"
	ActionRenameProject   Action = "rename_project"
	ActionManageDocuments Action = "manage_documents"
)

// Can is the single permission table for project roles.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		switch action {
		case ActionRead, ActionWrite, ActionInvite, ActionManageRoster, ActionManageDocuments:
			return true
		}
		return false
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func CanRead(role Role) bool { return Can(role, ActionRead) }

func CanWrite(role Role) bool { return Can(role, ActionWrite) }

func CanInvite(role Role) bool { return Can(role, ActionInvite) }

func CanChangeRole(role Role) bool { return Can(role, ActionChangeRole) }

// CanManageCollaborators reports whether role may see the full roster and remove members.
func CanManageCollaborators(role Role) bool { return Can(role, ActionManageRoster) }

// CanManageTarget reports whether actor may invite or remove a collaborator holding target.
// Only owners manage admins.
func CanManageTarget(actor Role, target Role) bool {
	if target == RoleAdmin {
		return Can(actor, ActionManageAdmins)
	}
	return Can(actor, ActionManageRoster)
}

// IsAssignable reports whether role may be stored on a collaborator row.
func IsAssignable(role Role) bool {
	return role == RoleViewer || role == RoleEditor || role == RoleAdmin
}

// ParseRole maps user input onto an assignable role.
func ParseRole(raw string) (Role, bool) {
	role := Role(raw)
	return role, IsAssignable(role)
}
