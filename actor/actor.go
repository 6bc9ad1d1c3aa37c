// Package actor identifies who is performing an operation.
package actor

import "fmt"

type Role string

const (
	RoleHomeowner  Role = "homeowner"
	RoleContractor Role = "contractor"
	RoleOperator   Role = "operator"
	RoleSystem     Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHomeowner, RoleContractor, RoleOperator, RoleSystem:
		return true
	default:
		return false
	}
}

type Actor struct {
	ID   string
	Role Role
}

// System is the actor for scheduled jobs and internal follow-up writes.
func System() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

func Homeowner(id string) Actor  { return Actor{ID: id, Role: RoleHomeowner} }
func Contractor(id string) Actor { return Actor{ID: id, Role: RoleContractor} }
func Operator(id string) Actor   { return Actor{ID: id, Role: RoleOperator} }

func (a Actor) IsOperator() bool { return a.Role == RoleOperator }
func (a Actor) IsSystem() bool   { return a.Role == RoleSystem }

// String is the form written to the audit trail.
func (a Actor) String() string {
	if a.Role == RoleSystem || a.Role == "" {
		if a.ID == "" {
			return "system"
		}
		return a.ID
	}
	return fmt.Sprintf("%s:%s", a.Role, a.ID)
}
