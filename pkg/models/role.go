// Package models defines the shared data model for the restoration
// pipeline: agent roles, streamed messages, per-role findings, and the
// final resurrection result.
package models

// Role identifies one of the five pipeline agents.
type Role string

const (
	RoleScanner       Role = "scanner"
	RoleLinguist      Role = "linguist"
	RoleHistorian     Role = "historian"
	RoleValidator     Role = "validator"
	RoleRepairAdvisor Role = "repair_advisor"
)

// AllRoles returns the closed set of roles in pipeline order:
// Stage A (Scanner), Stage B (Linguist, Historian, Validator), Stage C
// (RepairAdvisor). The Stage-B ordering doubles as the merge tie-break
// priority.
func AllRoles() []Role {
	return []Role{RoleScanner, RoleLinguist, RoleHistorian, RoleValidator, RoleRepairAdvisor}
}

// Valid reports whether r is one of the five known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleScanner, RoleLinguist, RoleHistorian, RoleValidator, RoleRepairAdvisor:
		return true
	}
	return false
}

// MergePriority returns the tie-break rank used when two parallel-stage
// messages carry the same timestamp. Lower wins.
func (r Role) MergePriority() int {
	switch r {
	case RoleLinguist:
		return 0
	case RoleHistorian:
		return 1
	case RoleValidator:
		return 2
	default:
		return 3
	}
}
