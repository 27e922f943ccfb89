package storage

import (
	"context"
	"database/sql"
	"slices"

	"schoolcast/internal/school"
)

// GlobalSchool is the school id of ranks that apply in every school.
const GlobalSchool int64 = 0

// maxListParams caps the ids bound into one IN list, well under SQLite's
// host parameter limit.
var maxListParams = 500

// idChunks sorts and dedupes ids, then splits them into IN-list sized runs.
func idChunks(ids []int64) [][]int64 {
	sorted := slices.Compact(slices.Sorted(slices.Values(ids)))
	return slices.Collect(slices.Chunk(sorted, maxListParams))
}

func (s *SQLite) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (s *SQLite) courseMembersWithRanks(ctx context.Context, courseID int64, ranks []school.RoleRank) ([]int64, error) {
	args := []any{courseID}
	marks := ""
	for i, r := range ranks {
		if i > 0 {
			marks += ","
		}
		marks += "?"
		args = append(args, int(r))
	}
	return s.queryIDs(ctx,
		`SELECT DISTINCT cu.user_id
		 FROM course_users cu
		 JOIN courses c ON c.id = cu.course_id
		 JOIN user_roles r ON r.user_id = cu.user_id AND r.school_id = c.school_id
		 WHERE cu.course_id = ? AND r.rank IN (`+marks+`)
		 ORDER BY cu.user_id`, args...)
}

func (s *SQLite) StudentsForCourse(ctx context.Context, courseID int64) ([]int64, error) {
	return s.courseMembersWithRanks(ctx, courseID, []school.RoleRank{school.RankStudent})
}

func (s *SQLite) StaffForCourse(ctx context.Context, courseID int64) ([]int64, error) {
	return s.courseMembersWithRanks(ctx, courseID, school.StaffRanks())
}

func (s *SQLite) ParentsOf(ctx context.Context, studentIDs []int64) ([]int64, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	var out []int64
	for _, chunk := range idChunks(studentIDs) {
		marks, args := placeholders(chunk)
		ids, err := s.queryIDs(ctx,
			`SELECT DISTINCT parent_id FROM parenthood WHERE child_id IN (`+marks+`)`, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	// A parent of children in different chunks shows up more than once.
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (s *SQLite) CourseRoster(ctx context.Context, courseID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM course_users WHERE course_id = ? ORDER BY user_id`, courseID)
}

func (s *SQLite) SchoolMembers(ctx context.Context, schoolID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM school_users WHERE school_id = ? ORDER BY user_id`, schoolID)
}

// RoleRanks returns the ranks held in schoolID plus the school-independent ones.
func (s *SQLite) RoleRanks(ctx context.Context, schoolID int64, userIDs []int64) (map[int64][]school.RoleRank, error) {
	out := map[int64][]school.RoleRank{}
	if len(userIDs) == 0 {
		return out, nil
	}
	for _, chunk := range idChunks(userIDs) {
		if err := s.roleRanks(ctx, schoolID, chunk, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) roleRanks(ctx context.Context, schoolID int64, userIDs []int64, out map[int64][]school.RoleRank) error {
	marks, ids := placeholders(userIDs)
	args := append([]any{schoolID, GlobalSchool}, ids...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id, rank FROM user_roles
		 WHERE school_id IN (?, ?) AND user_id IN (`+marks+`)
		 ORDER BY user_id, rank`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			rank int
		)
		if err := rows.Scan(&id, &rank); err != nil {
			return err
		}
		out[id] = append(out[id], school.RoleRank(rank))
	}
	return rows.Err()
}

func (s *SQLite) UserConnections(ctx context.Context, userIDs []int64, provider school.ChannelProvider) ([]school.ChannelConnection, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	// Chunks are in user id order, so appending keeps the result sorted.
	var out []school.ChannelConnection
	for _, chunk := range idChunks(userIDs) {
		marks, ids := placeholders(chunk)
		args := append([]any{string(provider)}, ids...)
		rows, err := s.db.QueryContext(ctx,
			`SELECT user_id, provider, conn_key, activated_at FROM user_connections
			 WHERE provider = ? AND user_id IN (`+marks+`)
			 ORDER BY user_id, conn_key`, args...)
		if err != nil {
			return nil, err
		}
		conns, err := scanConnections(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conns...)
	}
	return out, nil
}

func (s *SQLite) SchoolConnections(ctx context.Context, schoolID int64, provider school.ChannelProvider) ([]school.ChannelConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT school_id, provider, conn_key, activated_at FROM school_connections
		 WHERE school_id = ? AND provider = ?
		 ORDER BY conn_key`, schoolID, string(provider))
	if err != nil {
		return nil, err
	}
	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]school.ChannelConnection, error) {
	defer rows.Close()
	var out []school.ChannelConnection
	for rows.Next() {
		var (
			c  school.ChannelConnection
			at sql.NullString
		)
		if err := rows.Scan(&c.OwnerID, &c.Provider, &c.Key, &at); err != nil {
			return nil, err
		}
		c.ActivatedAt = parseNullTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}
