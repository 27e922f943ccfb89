package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"schoolcast/internal/school"
)

// Fixture is a YAML snapshot of directory and broadcast rows, used to seed a
// fresh database (local runs, demos, tests).
type Fixture struct {
	Schools []struct {
		ID          int64               `yaml:"id"`
		Name        string              `yaml:"name"`
		Connections []FixtureConnection `yaml:"connections"`
	} `yaml:"schools"`

	Users []struct {
		ID          int64               `yaml:"id"`
		Name        string              `yaml:"name"`
		Schools     []int64             `yaml:"schools"`
		Roles       []FixtureRole       `yaml:"roles"`
		Connections []FixtureConnection `yaml:"connections"`
	} `yaml:"users"`

	Courses []struct {
		ID      int64   `yaml:"id"`
		School  int64   `yaml:"school"`
		Name    string  `yaml:"name"`
		Members []int64 `yaml:"members"`
	} `yaml:"courses"`

	Parents []struct {
		Parent   int64   `yaml:"parent"`
		Children []int64 `yaml:"children"`
	} `yaml:"parents"`

	Broadcasts []struct {
		School     int64  `yaml:"school"`
		Course     *int64 `yaml:"course"`
		Message    string `yaml:"message"`
		Visibility string `yaml:"visibility"`
		Audience   string `yaml:"audience"`
		Daypart    string `yaml:"daypart"`
		Date       string `yaml:"date"` // YYYY-MM-DD
		Status     string `yaml:"status"`
	} `yaml:"broadcasts"`
}

type FixtureRole struct {
	School int64  `yaml:"school"` // 0 = every school
	Rank   string `yaml:"rank"`
}

type FixtureConnection struct {
	Provider string `yaml:"provider"`
	Key      string `yaml:"key"`
	Active   bool   `yaml:"active"`
}

// LoadFixture decodes a YAML fixture strictly and writes it in one transaction.
func (s *SQLite) LoadFixture(ctx context.Context, r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f Fixture
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return fmt.Errorf("fixture decode: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.applyFixture(ctx, tx, f); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) applyFixture(ctx context.Context, tx *sql.Tx, f Fixture) error {
	exec := func(q string, args ...any) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	activated := s.now().UTC().Format(timeLayout)
	activeAt := func(c FixtureConnection) any {
		if c.Active {
			return activated
		}
		return nil
	}

	for _, sc := range f.Schools {
		if err := exec(`INSERT OR REPLACE INTO schools(id, name) VALUES(?,?)`, sc.ID, sc.Name); err != nil {
			return fmt.Errorf("school %d: %w", sc.ID, err)
		}
		for _, c := range sc.Connections {
			if err := exec(`INSERT OR REPLACE INTO school_connections(school_id, provider, conn_key, activated_at) VALUES(?,?,?,?)`,
				sc.ID, c.Provider, c.Key, activeAt(c)); err != nil {
				return fmt.Errorf("school %d connection: %w", sc.ID, err)
			}
		}
	}

	for _, u := range f.Users {
		if err := exec(`INSERT OR REPLACE INTO users(id, name) VALUES(?,?)`, u.ID, u.Name); err != nil {
			return fmt.Errorf("user %d: %w", u.ID, err)
		}
		for _, sid := range u.Schools {
			if err := exec(`INSERT OR IGNORE INTO school_users(school_id, user_id) VALUES(?,?)`, sid, u.ID); err != nil {
				return fmt.Errorf("user %d membership: %w", u.ID, err)
			}
		}
		for _, role := range u.Roles {
			rank, err := school.ParseRoleRank(role.Rank)
			if err != nil {
				return fmt.Errorf("user %d: %w", u.ID, err)
			}
			if err := exec(`INSERT OR IGNORE INTO user_roles(school_id, user_id, rank) VALUES(?,?,?)`, role.School, u.ID, int(rank)); err != nil {
				return fmt.Errorf("user %d role: %w", u.ID, err)
			}
		}
		for _, c := range u.Connections {
			if err := exec(`INSERT OR REPLACE INTO user_connections(user_id, provider, conn_key, activated_at) VALUES(?,?,?,?)`,
				u.ID, c.Provider, c.Key, activeAt(c)); err != nil {
				return fmt.Errorf("user %d connection: %w", u.ID, err)
			}
		}
	}

	for _, c := range f.Courses {
		if err := exec(`INSERT OR REPLACE INTO courses(id, school_id, name) VALUES(?,?,?)`, c.ID, c.School, c.Name); err != nil {
			return fmt.Errorf("course %d: %w", c.ID, err)
		}
		for _, uid := range c.Members {
			if err := exec(`INSERT OR IGNORE INTO course_users(course_id, user_id) VALUES(?,?)`, c.ID, uid); err != nil {
				return fmt.Errorf("course %d member: %w", c.ID, err)
			}
		}
	}

	for _, p := range f.Parents {
		for _, child := range p.Children {
			if err := exec(`INSERT OR IGNORE INTO parenthood(parent_id, child_id) VALUES(?,?)`, p.Parent, child); err != nil {
				return fmt.Errorf("parent %d: %w", p.Parent, err)
			}
		}
	}

	for i, b := range f.Broadcasts {
		date := s.now()
		if b.Date != "" {
			d, err := time.Parse(dateLayout, b.Date)
			if err != nil {
				return fmt.Errorf("broadcast #%d date: %w", i, err)
			}
			date = d
		}
		daypart := school.DaypartNow
		if b.Daypart != "" {
			d, err := school.ParseDaypart(b.Daypart)
			if err != nil {
				return fmt.Errorf("broadcast #%d: %w", i, err)
			}
			daypart = d
		}
		status := school.Status(b.Status)
		if status == "" {
			status = school.StatusIdle
		}
		var course any
		if b.Course != nil {
			course = *b.Course
		}
		if err := exec(`INSERT INTO broadcasts(school_id, course_id, message, visibility, audience, daypart, schedule_date, status, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			b.School, course, b.Message, b.Visibility, b.Audience, string(daypart),
			date.Format(dateLayout), string(status), s.stamp()); err != nil {
			return fmt.Errorf("broadcast #%d: %w", i, err)
		}
	}
	return nil
}
