package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"schoolcast/internal/school"
)

const broadcastColumns = `id, school_id, course_id, message, visibility, audience, daypart, schedule_date, status, sent_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(r rowScanner) (school.Broadcast, error) {
	var (
		b        school.Broadcast
		course   sql.NullInt64
		schedule string
		sentAt   sql.NullString
	)
	err := r.Scan(&b.ID, &b.SchoolID, &course, &b.Message, &b.Visibility, &b.Audience,
		&b.Daypart, &schedule, &b.Status, &sentAt)
	if err != nil {
		return school.Broadcast{}, err
	}
	if course.Valid {
		v := course.Int64
		b.CourseID = &v
	}
	if d, err := time.Parse(dateLayout, schedule); err == nil {
		b.ScheduleAt = d
	}
	b.SentAt = parseNullTime(sentAt)
	return b, nil
}

// CreateBroadcast inserts b and returns its id. A zero Status is stored as idle.
func (s *SQLite) CreateBroadcast(ctx context.Context, b school.Broadcast) (int64, error) {
	if b.Status == "" {
		b.Status = school.StatusIdle
	}
	if b.Daypart == "" {
		b.Daypart = school.DaypartNow
	}
	if b.ScheduleAt.IsZero() {
		b.ScheduleAt = s.now()
	}
	var course any
	if b.CourseID != nil {
		course = *b.CourseID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(school_id, course_id, message, visibility, audience, daypart, schedule_date, status, sent_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		b.SchoolID, course, b.Message, string(b.Visibility), string(b.Audience), string(b.Daypart),
		b.ScheduleAt.Format(dateLayout), string(b.Status), nullTime(b.SentAt), s.stamp(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FindBroadcast returns the broadcast with id or an error wrapping
// school.ErrNotFound.
func (s *SQLite) FindBroadcast(ctx context.Context, id int64) (school.Broadcast, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id)
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return school.Broadcast{}, fmt.Errorf("%w: %d", school.ErrNotFound, id)
	}
	return b, err
}

// FindBySchedule lists the broadcasts scheduled for the calendar date of date
// in the given daypart, in id order.
func (s *SQLite) FindBySchedule(ctx context.Context, date time.Time, daypart school.Daypart) ([]school.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE schedule_date = ? AND daypart = ? ORDER BY id`,
		date.Format(dateLayout), string(daypart))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []school.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CompareAndSetStatus moves broadcast id to `to` only if its current status is
// one of from. It reports whether the row changed.
func (s *SQLite) CompareAndSetStatus(ctx context.Context, id int64, from []school.Status, to school.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), s.stamp(), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+marks+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finalize moves a processing broadcast to its terminal status. sentAt is
// only written when non-nil. It reports whether the row was still processing.
func (s *SQLite) Finalize(ctx context.Context, id int64, to school.Status, sentAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, sent_at = COALESCE(?, sent_at), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), nullTime(sentAt), s.stamp(), id, string(school.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) stamp() string { return s.now().UTC().Format(timeLayout) }
