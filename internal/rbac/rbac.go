package rbac

type Role string
type Action string

const (
	RoleGuardian Role = "guardian"
	RoleTeacher  Role = "teacher"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionMessage     Action = "message"
	ActionStartThread Action = "start_thread"
	ActionAdmin       Action = "admin"
)

// Can reports whether role may perform action. Guardians can only reply in
// threads that staff opened with them.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleStaff, RoleTeacher:
		return action == ActionRead || action == ActionMessage || action == ActionStartThread
	case RoleGuardian:
		return action == ActionRead || action == ActionMessage
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuardian, RoleTeacher, RoleStaff, RoleAdmin:
		return Role(role)
	default:
		return RoleGuardian
	}
}
