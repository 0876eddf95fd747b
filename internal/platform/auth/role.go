package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of roles a principal can hold.
type Role string

const (
	RoleAdmin                 Role = "admin"
	RoleDoctor                Role = "doctor"
	RoleNurse                 Role = "nurse"
	RolePharmacist            Role = "pharmacist"
	RoleLabTech               Role = "lab_tech"
	RoleCompliance            Role = "compliance"
	RoleLegal                 Role = "legal"
	RolePatientRepresentative Role = "patient_representative"
	RoleExternalRequester     Role = "external_requester"
	RolePatient               Role = "patient"
)

var allRoles = []Role{
	RoleAdmin,
	RoleDoctor,
	RoleNurse,
	RolePharmacist,
	RoleLabTech,
	RoleCompliance,
	RoleLegal,
	RolePatientRepresentative,
	RoleExternalRequester,
	RolePatient,
}

// Role groups used by route registration.
var (
	ClinicalRoles   = []Role{RoleDoctor, RoleNurse, RolePharmacist, RoleLabTech}
	ComplianceRoles = []Role{RoleCompliance, RoleLegal}
)

// AllRoles returns a copy of every defined role.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole parses s (case-insensitive) into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", NewValidationError("role", fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// SelfRegistrable reports whether r may be requested at public registration.
// Staff roles are granted by an administrator.
func SelfRegistrable(r Role) bool {
	return r == RolePatient || r == RoleExternalRequester
}

// RoleSet is a membership set over Role.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Contains reports whether r is in the set.
func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}

// Empty reports whether the set has no members. An empty requirement only
// demands authentication.
func (s RoleSet) Empty() bool { return len(s) == 0 }

// Roles returns the members in declaration order.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(s))
	for _, r := range allRoles {
		if s.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RoleSet) String() string {
	roles := s.Roles()
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}
