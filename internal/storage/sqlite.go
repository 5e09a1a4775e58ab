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

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"akari/internal/job"
	logx "akari/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrap(err, "migrate")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Record(ctx context.Context, e job.Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		return errors.New("execution id is required")
	}
	var finished any
	if !e.FinishedAt.IsZero() {
		finished = e.FinishedAt.UnixNano()
	}
	var exitCode any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	var msg any
	if e.ErrorMessage != nil {
		msg = *e.ErrorMessage
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, command, status, started_at, finished_at, duration_ns, stdout, stderr, exit_code, error_message)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, finished_at=excluded.finished_at, duration_ns=excluded.duration_ns,
		   stdout=excluded.stdout, stderr=excluded.stderr, exit_code=excluded.exit_code,
		   error_message=excluded.error_message`,
		e.ID, int64(e.JobID), e.CommandLine, int(e.Status), e.StartedAt.UnixNano(), finished,
		int64(e.Duration), e.Stdout, e.Stderr, exitCode, msg,
	)
	return errors.Wrapf(err, "record execution %s", e.ID)
}

const selectColumns = `SELECT id, job_id, command, status, started_at, finished_at, duration_ns, stdout, stderr, exit_code, error_message FROM executions`

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]job.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if f.JobID != 0 {
		where = append(where, "job_id = ?")
		args = append(args, int64(f.JobID))
	}
	if f.Status != 0 {
		where = append(where, "status = ?")
		args = append(args, int(f.Status))
	}
	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var out []job.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "list executions")
}

func (s *sqliteStore) Get(ctx context.Context, id string) (job.Execution, error) {
	if s == nil || s.db == nil {
		return job.Execution{}, ErrDisabled
	}
	e, err := scanExecution(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Execution{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return e, err
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("executions pruned", logx.Int64("count", n), logx.Time("before", before))
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(r scanner) (job.Execution, error) {
	var (
		e        job.Execution
		jobID    int64
		status   int
		started  int64
		finished sql.NullInt64
		dur      int64
		exitCode sql.NullInt64
		msg      sql.NullString
	)
	if err := r.Scan(&e.ID, &jobID, &e.CommandLine, &status, &started, &finished, &dur, &e.Stdout, &e.Stderr, &exitCode, &msg); err != nil {
		return job.Execution{}, err
	}
	e.JobID = job.ID(jobID)
	e.Status = job.Status(status)
	e.StartedAt = time.Unix(0, started)
	if finished.Valid {
		e.FinishedAt = time.Unix(0, finished.Int64)
	}
	e.Duration = time.Duration(dur)
	if exitCode.Valid {
		e.ExitCode = job.IntPtr(int(exitCode.Int64))
	}
	if msg.Valid {
		e.ErrorMessage = job.StrPtr(msg.String)
	}
	return e, nil
}
