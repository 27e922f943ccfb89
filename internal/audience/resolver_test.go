package audience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolcast/internal/school"
	logx "schoolcast/pkg/logx"
)

const (
	schoolID = int64(1)
	courseID = int64(10)
)

// School 1, course 10:
//
//	100,101 students      200,201 their parents
//	300 teacher           301 teacher + technician (backend)
//	400 technician        500 super admin (school member, not enrolled)
//	600 secretary (not enrolled)
type fakeDir struct {
	calls int
}

var fakeRanks = map[int64][]school.RoleRank{
	100: {school.RankStudent},
	101: {school.RankStudent},
	200: {school.RankParent},
	201: {school.RankParent},
	300: {school.RankTeacher},
	301: {school.RankTeacher, school.RankSchoolTechnician},
	400: {school.RankSchoolTechnician},
	500: {school.RankSuperAdmin},
	600: {school.RankSecretary},
}

func (d *fakeDir) StudentsForCourse(ctx context.Context, c int64) ([]int64, error) {
	d.calls++
	return []int64{100, 101}, nil
}

func (d *fakeDir) ParentsOf(ctx context.Context, students []int64) ([]int64, error) {
	d.calls++
	parents := map[int64]int64{100: 200, 101: 201}
	var out []int64
	for _, s := range students {
		if p, ok := parents[s]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *fakeDir) StaffForCourse(ctx context.Context, c int64) ([]int64, error) {
	d.calls++
	return []int64{300, 301}, nil
}

func (d *fakeDir) CourseRoster(ctx context.Context, c int64) ([]int64, error) {
	d.calls++
	return []int64{100, 101, 300, 301}, nil
}

func (d *fakeDir) SchoolMembers(ctx context.Context, s int64) ([]int64, error) {
	d.calls++
	return []int64{100, 101, 200, 201, 300, 301, 400, 500, 600}, nil
}

func (d *fakeDir) RoleRanks(ctx context.Context, s int64, ids []int64) (map[int64][]school.RoleRank, error) {
	d.calls++
	out := map[int64][]school.RoleRank{}
	for _, id := range ids {
		if r, ok := fakeRanks[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func group() Scope {
	c := courseID
	return Scope{SchoolID: schoolID, CourseID: &c}
}

func TestResolveGroup(t *testing.T) {
	tests := []struct {
		rule    school.Audience
		backend bool
		want    []int64
	}{
		{rule: school.AudienceStudents, want: []int64{100, 101, 500}},
		{rule: school.AudienceParents, want: []int64{200, 201, 500}},
		{rule: school.AudienceStaff, want: []int64{300, 500}},
		{rule: school.AudienceStaff, backend: true, want: []int64{300, 301, 500}},
		{rule: school.AudienceStudentsParents, want: []int64{100, 101, 200, 201, 500}},
		{rule: school.AudienceStudentsStaff, want: []int64{100, 101, 300, 500}},
		{rule: school.AudienceParentsStaff, want: []int64{200, 201, 300, 500}},
		{rule: school.AudienceAll, want: []int64{100, 101, 300, 500}},
	}
	for _, tt := range tests {
		name := string(tt.rule)
		if tt.backend {
			name += "/backend"
		}
		t.Run(name, func(t *testing.T) {
			r := NewResolver(&fakeDir{}, Options{IncludeBackend: tt.backend}, logx.Nop())
			got, err := r.Resolve(context.Background(), school.VisibilityGroup, tt.rule, group())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveGlobal(t *testing.T) {
	tests := []struct {
		rule school.Audience
		want []int64
	}{
		{rule: school.AudienceAll, want: []int64{100, 101, 200, 201, 300, 301, 400, 500, 600}},
		{rule: school.AudienceStudents, want: []int64{100, 101, 301, 400, 500}},
		{rule: school.AudienceParents, want: []int64{200, 201, 301, 400, 500}},
		{rule: school.AudienceStaff, want: []int64{300, 301, 400, 500, 600}},
	}
	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			r := NewResolver(&fakeDir{}, Options{}, logx.Nop())
			got, err := r.Resolve(context.Background(), school.VisibilityGlobal, tt.rule, Scope{SchoolID: schoolID})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuperAlwaysPresentInGroup(t *testing.T) {
	r := NewResolver(&fakeDir{}, Options{}, logx.Nop())
	for _, rule := range []school.Audience{
		school.AudienceStudents, school.AudienceParents, school.AudienceStaff,
		school.AudienceStudentsParents, school.AudienceStudentsStaff, school.AudienceParentsStaff,
		school.AudienceAll,
	} {
		got, err := r.Resolve(context.Background(), school.VisibilityGroup, rule, group())
		require.NoError(t, err)
		assert.Contains(t, got, int64(500), "rule %s", rule)
	}
}

func TestStudentsParentsIsUnion(t *testing.T) {
	r := NewResolver(&fakeDir{}, Options{}, logx.Nop())
	ctx := context.Background()
	for _, v := range []school.Visibility{school.VisibilityGroup, school.VisibilityGlobal} {
		scope := group()
		students, err := r.Resolve(ctx, v, school.AudienceStudents, scope)
		require.NoError(t, err)
		parents, err := r.Resolve(ctx, v, school.AudienceParents, scope)
		require.NoError(t, err)
		both, err := r.Resolve(ctx, v, school.AudienceStudentsParents, scope)
		require.NoError(t, err)

		union := set{}
		union.add(students...)
		union.add(parents...)
		assert.Equal(t, union.sorted(), both, "visibility %s", v)
	}
}

func TestGlobalIsSubsetOfDesignatedRoles(t *testing.T) {
	r := NewResolver(&fakeDir{}, Options{}, logx.Nop())
	for _, rule := range []school.Audience{school.AudienceStudents, school.AudienceParentsStaff, school.AudienceStudentsStaff} {
		got, err := r.Resolve(context.Background(), school.VisibilityGlobal, rule, Scope{SchoolID: schoolID})
		require.NoError(t, err)
		allowed := append(school.AudienceRanks(rule), school.AdminRanks()...)
		for _, id := range got {
			assert.True(t, holdsAny(fakeRanks[id], allowed), "user %d under %s", id, rule)
		}
	}
}

func holdsAny(have, want []school.RoleRank) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func TestHiddenAndNoneSkipLookups(t *testing.T) {
	tests := []struct {
		name string
		v    school.Visibility
		rule school.Audience
	}{
		{"hidden", school.VisibilityHidden, school.AudienceAll},
		{"none group", school.VisibilityGroup, school.AudienceNone},
		{"none global", school.VisibilityGlobal, school.AudienceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDir{}
			got, err := NewResolver(d, Options{}, logx.Nop()).Resolve(context.Background(), tt.v, tt.rule, group())
			require.NoError(t, err)
			assert.Empty(t, got)
			assert.Zero(t, d.calls)
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(&fakeDir{}, Options{}, logx.Nop())
	a, err := r.Resolve(context.Background(), school.VisibilityGroup, school.AudienceStudentsStaff, group())
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), school.VisibilityGroup, school.AudienceStudentsStaff, group())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResolveErrors(t *testing.T) {
	r := NewResolver(&fakeDir{}, Options{}, logx.Nop())
	ctx := context.Background()

	_, err := r.Resolve(ctx, school.VisibilityGroup, school.AudienceStudents, Scope{SchoolID: schoolID})
	assert.ErrorIs(t, err, ErrMissingCourse)

	_, err = r.Resolve(ctx, school.VisibilityGroup, school.Audience("teachers"), group())
	assert.ErrorIs(t, err, ErrUnknownRule)

	_, err = r.Resolve(ctx, school.Visibility("public"), school.AudienceStudents, group())
	assert.ErrorIs(t, err, ErrUnknownVisibility)
}
