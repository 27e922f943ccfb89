package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "schoolcast/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// SQLite is the single store behind broadcasts, the directory and the audit log.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(dsn string, cfg Config, log logx.Logger) (*SQLite, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps writers serialized and an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &SQLite{db: db, log: log, now: time.Now}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	if dsn != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("storage opened", logx.String("dsn", dsn))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, broadcast_id, trigger_name, status, recipients, pairs, delivered, failed, skipped, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(timeLayout), e.BroadcastID, e.Trigger, e.Status,
		e.Recipients, e.Pairs, e.Delivered, e.Failed, e.Skipped, nullStr(e.Error), e.TookMS,
	)
	return err
}

// Audit lists the audit rows of one broadcast, oldest first.
func (s *SQLite) Audit(ctx context.Context, broadcastID int64) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, broadcast_id, trigger_name, status, recipients, pairs, delivered, failed, skipped, COALESCE(err, ''), took_ms
		 FROM audit WHERE broadcast_id = ? ORDER BY id`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&at, &e.BroadcastID, &e.Trigger, &e.Status, &e.Recipients, &e.Pairs,
			&e.Delivered, &e.Failed, &e.Skipped, &e.Error, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(timeLayout, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// placeholders returns "?,?,..." with n marks and the ids as query args.
func placeholders(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
