// Package audience turns a broadcast's visibility and audience rule into the
// set of users that should receive it.
//
// The resolver performs no I/O of its own; every role and membership lookup
// goes through a Directory.
package audience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"schoolcast/internal/school"
	logx "schoolcast/pkg/logx"
)

var (
	ErrMissingCourse     = errors.New("group broadcast without course")
	ErrUnknownRule       = errors.New("unknown audience rule")
	ErrUnknownVisibility = errors.New("unknown visibility")
)

// Directory is the read-only user directory the resolver queries.
type Directory interface {
	StudentsForCourse(ctx context.Context, courseID int64) ([]int64, error)
	ParentsOf(ctx context.Context, studentIDs []int64) ([]int64, error)
	StaffForCourse(ctx context.Context, courseID int64) ([]int64, error)
	CourseRoster(ctx context.Context, courseID int64) ([]int64, error)
	SchoolMembers(ctx context.Context, schoolID int64) ([]int64, error)
	// RoleRanks returns the ranks each user holds in the given school.
	// Users without any role may be absent from the result.
	RoleRanks(ctx context.Context, schoolID int64, userIDs []int64) (map[int64][]school.RoleRank, error)
}

// Scope identifies where a broadcast is visible.
type Scope struct {
	SchoolID int64
	CourseID *int64
}

type Options struct {
	// IncludeBackend keeps backend-only accounts found through group rules.
	// Super ranks are added regardless.
	IncludeBackend bool
}

type Resolver struct {
	dir Directory
	log logx.Logger

	mu  sync.RWMutex
	opt Options
}

func NewResolver(dir Directory, opt Options, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{dir: dir, opt: opt, log: log}
}

// Apply swaps the options used by later resolutions.
func (r *Resolver) Apply(opt Options) {
	r.mu.Lock()
	r.opt = opt
	r.mu.Unlock()
}

func (r *Resolver) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opt
}

// Resolve returns the recipients for (visibility, rule, scope) sorted by id.
//
// Hidden visibility and the None rule resolve to nothing without touching the
// directory.
func (r *Resolver) Resolve(ctx context.Context, v school.Visibility, rule school.Audience, scope Scope) ([]int64, error) {
	if v == school.VisibilityHidden || rule == school.AudienceNone {
		return nil, nil
	}
	if !rule.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, rule)
	}

	var (
		recipients set
		err        error
	)
	switch v {
	case school.VisibilityGroup:
		recipients, err = r.resolveGroup(ctx, rule, scope)
	case school.VisibilityGlobal:
		recipients, err = r.resolveGlobal(ctx, rule, scope)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVisibility, v)
	}
	if err != nil {
		return nil, err
	}
	out := recipients.sorted()
	r.log.Debug("audience resolved",
		logx.String("visibility", string(v)),
		logx.String("audience", string(rule)),
		logx.Int64("school", scope.SchoolID),
		logx.Int("recipients", len(out)),
	)
	return out, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, rule school.Audience, scope Scope) (set, error) {
	if scope.CourseID == nil {
		return nil, ErrMissingCourse
	}
	course := *scope.CourseID
	out := set{}

	if rule == school.AudienceAll {
		roster, err := r.dir.CourseRoster(ctx, course)
		if err != nil {
			return nil, fmt.Errorf("course roster: %w", err)
		}
		out.add(roster...)
	} else {
		wantStudents, wantParents, wantStaff := rule.Includes()

		var students []int64
		if wantStudents || wantParents {
			var err error
			students, err = r.dir.StudentsForCourse(ctx, course)
			if err != nil {
				return nil, fmt.Errorf("students: %w", err)
			}
		}
		if wantStudents {
			out.add(students...)
		}
		if wantParents && len(students) > 0 {
			parents, err := r.dir.ParentsOf(ctx, students)
			if err != nil {
				return nil, fmt.Errorf("parents: %w", err)
			}
			out.add(parents...)
		}
		if wantStaff {
			staff, err := r.dir.StaffForCourse(ctx, course)
			if err != nil {
				return nil, fmt.Errorf("staff: %w", err)
			}
			out.add(staff...)
		}
	}

	members, err := r.dir.SchoolMembers(ctx, scope.SchoolID)
	if err != nil {
		return nil, fmt.Errorf("school members: %w", err)
	}
	lookup := set{}
	lookup.add(members...)
	lookup.add(out.sorted()...)
	ranks, err := r.dir.RoleRanks(ctx, scope.SchoolID, lookup.sorted())
	if err != nil {
		return nil, fmt.Errorf("role ranks: %w", err)
	}

	// Exclusion runs first so the override below can add supers back.
	if !r.options().IncludeBackend {
		for id := range out {
			if anyRank(ranks[id], school.RoleRank.IsBackend) {
				delete(out, id)
			}
		}
	}
	for _, id := range members {
		if anyRank(ranks[id], school.RoleRank.IsSuper) {
			out.add(id)
		}
	}
	return out, nil
}

func (r *Resolver) resolveGlobal(ctx context.Context, rule school.Audience, scope Scope) (set, error) {
	members, err := r.dir.SchoolMembers(ctx, scope.SchoolID)
	if err != nil {
		return nil, fmt.Errorf("school members: %w", err)
	}
	out := set{}
	if rule == school.AudienceAll {
		out.add(members...)
		return out, nil
	}

	allowed := map[school.RoleRank]bool{}
	for _, rr := range school.AudienceRanks(rule) {
		allowed[rr] = true
	}
	for _, rr := range school.AdminRanks() {
		allowed[rr] = true
	}

	ranks, err := r.dir.RoleRanks(ctx, scope.SchoolID, members)
	if err != nil {
		return nil, fmt.Errorf("role ranks: %w", err)
	}
	for _, id := range members {
		for _, rr := range ranks[id] {
			if allowed[rr] {
				out.add(id)
				break
			}
		}
	}
	return out, nil
}

func anyRank(ranks []school.RoleRank, pred func(school.RoleRank) bool) bool {
	for _, rr := range ranks {
		if pred(rr) {
			return true
		}
	}
	return false
}

type set map[int64]struct{}

func (s set) add(ids ...int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s set) sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
