package school

import (
	"fmt"
	"strings"
)

// RoleRank classifies a role membership. Ranks are ordered: students and parents
// first, then staff, then backend accounts.
type RoleRank int

const (
	RankNone RoleRank = iota
	RankStudent
	RankParent
	RankTeacher
	RankSecretary
	RankSchoolAdmin
	RankSchoolOwner
	RankSchoolTechnician
	RankSuperTester
	RankSuperAdmin
)

var rankNames = map[RoleRank]string{
	RankNone:             "none",
	RankStudent:          "student",
	RankParent:           "parent",
	RankTeacher:          "teacher",
	RankSecretary:        "secretary",
	RankSchoolAdmin:      "school_admin",
	RankSchoolOwner:      "school_owner",
	RankSchoolTechnician: "school_technician",
	RankSuperTester:      "super_tester",
	RankSuperAdmin:       "super_admin",
}

func (r RoleRank) String() string {
	if s, ok := rankNames[r]; ok {
		return s
	}
	return fmt.Sprintf("rank(%d)", int(r))
}

// ParseRoleRank is the inverse of String.
func ParseRoleRank(raw string) (RoleRank, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for r, name := range rankNames {
		if name == s {
			return r, nil
		}
	}
	return RankNone, fmt.Errorf("unknown role rank %q", raw)
}

func (r RoleRank) IsStaff() bool { return r >= RankTeacher && r <= RankSchoolOwner }

// IsBackend reports accounts that exist for operating the platform rather than
// taking part in school life.
func (r RoleRank) IsBackend() bool { return r >= RankSchoolTechnician }

func (r RoleRank) IsSuper() bool { return r == RankSuperTester || r == RankSuperAdmin }

// IsAdmin covers school administration plus every backend rank.
func (r RoleRank) IsAdmin() bool {
	return r == RankSchoolAdmin || r == RankSchoolOwner || r.IsBackend()
}

// StaffRanks returns every staff rank.
func StaffRanks() []RoleRank {
	return []RoleRank{RankTeacher, RankSecretary, RankSchoolAdmin, RankSchoolOwner}
}

// AdminRanks returns every rank for which IsAdmin holds.
func AdminRanks() []RoleRank {
	return []RoleRank{RankSchoolAdmin, RankSchoolOwner, RankSchoolTechnician, RankSuperTester, RankSuperAdmin}
}

// AudienceRanks maps an audience rule to the role list it designates.
// AudienceAll and AudienceNone return nil.
func AudienceRanks(a Audience) []RoleRank {
	switch a {
	case AudienceStudents:
		return []RoleRank{RankStudent}
	case AudienceParents:
		return []RoleRank{RankParent}
	case AudienceStaff:
		return StaffRanks()
	case AudienceStudentsParents:
		return []RoleRank{RankStudent, RankParent}
	case AudienceStudentsStaff:
		return append([]RoleRank{RankStudent}, StaffRanks()...)
	case AudienceParentsStaff:
		return append([]RoleRank{RankParent}, StaffRanks()...)
	default:
		return nil
	}
}

// Includes reports which role groups an audience rule asks for.
func (a Audience) Includes() (students, parents, staff bool) {
	switch a {
	case AudienceStudents:
		return true, false, false
	case AudienceParents:
		return false, true, false
	case AudienceStaff:
		return false, false, true
	case AudienceStudentsParents:
		return true, true, false
	case AudienceStudentsStaff:
		return true, false, true
	case AudienceParentsStaff:
		return false, true, true
	case AudienceAll:
		return true, true, true
	default:
		return false, false, false
	}
}

// Valid reports whether a is a known audience rule.
func (a Audience) Valid() bool {
	switch a {
	case AudienceNone, AudienceStudents, AudienceParents, AudienceStaff,
		AudienceStudentsParents, AudienceStudentsStaff, AudienceParentsStaff, AudienceAll:
		return true
	}
	return false
}

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityHidden || v == VisibilityGroup || v == VisibilityGlobal
}
