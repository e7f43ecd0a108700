package domain

import "strings"

// Role is an organization role. The set is closed: callers are either org
// admins or regular members, and anything unresolved falls back to member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ParseRole resolves a raw role string to the closed role set. Legacy
// provider values ("org:admin") map to admin; unknown or missing values fail
// closed to member.
func ParseRole(value string) Role {
	switch strings.TrimSpace(value) {
	case "admin", "org:admin":
		return RoleAdmin
	default:
		return RoleMember
	}
}

// CanCreateTask reports whether the role may create tasks.
func CanCreateTask(role Role) bool {
	return role == RoleAdmin
}

// CanDeleteTask reports whether the role may delete tasks.
func CanDeleteTask(role Role) bool {
	return role == RoleAdmin
}

// CanEditTaskDetails reports whether the role may change title, description,
// priority, or due date.
func CanEditTaskDetails(role Role) bool {
	return role == RoleAdmin
}

// CanSetTaskStatus reports whether the caller may set the task status
// directly: admins always, assignees of the task otherwise.
func CanSetTaskStatus(role Role, callerID string, assignments []Assignment) bool {
	if role == RoleAdmin {
		return true
	}
	return isAssignee(callerID, assignments)
}

// CanSetAssignmentStatus reports whether the caller may set the status of the
// assignment belonging to assigneeID.
func CanSetAssignmentStatus(role Role, callerID string, assigneeID string) bool {
	if role == RoleAdmin {
		return true
	}
	return callerID != "" && callerID == assigneeID
}

// CanComment reports whether the caller may comment on a task. Commenting
// requires visibility: admins see every org task, members only tasks they
// are assigned to.
func CanComment(role Role, callerID string, assignments []Assignment) bool {
	return CanViewTask(role, callerID, assignments)
}

// CanViewTask reports whether the task is visible to the caller.
func CanViewTask(role Role, callerID string, assignments []Assignment) bool {
	if role == RoleAdmin {
		return true
	}
	return isAssignee(callerID, assignments)
}

// VisibleAssignments returns the assignment rows the caller may see within a
// visible task: all of them for admins, only the caller's own for members.
func VisibleAssignments(role Role, callerID string, assignments []Assignment) []Assignment {
	if role == RoleAdmin {
		return assignments
	}
	visible := make([]Assignment, 0, 1)
	for _, assignment := range assignments {
		if assignment.AssigneeID == callerID {
			visible = append(visible, assignment)
		}
	}
	return visible
}

func isAssignee(callerID string, assignments []Assignment) bool {
	if callerID == "" {
		return false
	}
	for _, assignment := range assignments {
		if assignment.AssigneeID == callerID {
			return true
		}
	}
	return false
}
