package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time check that SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteRepository persists tasks to a SQLite database. Tasks left in
// PROCESSING by a crashed process remain visible across restarts; no
// automatic recovery is attempted.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the task database at path.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	repo := &SQLiteRepository{db: db, path: path}
	if err := repo.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id TEXT PRIMARY KEY,
        provider TEXT NOT NULL,
        model TEXT NOT NULL,
        status TEXT NOT NULL,
        options_json TEXT,
        progress_step TEXT,
        progress_percent INTEGER NOT NULL DEFAULT 0,
        progress_message TEXT,
        progress_started_at TEXT,
        result_json TEXT,
        credit_id TEXT,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        completed_at TEXT
    )`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (r *SQLiteRepository) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = r.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Save persists a task, replacing any existing row with the same id.
func (r *SQLiteRepository) Save(ctx context.Context, t *Task) error {
	c := t.Clone()

	optionsJSON, err := json.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	resultJSON, err := json.Marshal(c.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = r.execWithRetry(
		ctx,
		`INSERT OR REPLACE INTO tasks (
            id, provider, model, status, options_json,
            progress_step, progress_percent, progress_message, progress_started_at,
            result_json, credit_id, created_at, updated_at, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		string(c.Provider),
		c.Model,
		string(c.Status),
		string(optionsJSON),
		string(c.Progress.Step),
		c.Progress.Percent,
		c.Progress.Message,
		formatTime(c.Progress.StartedAt),
		string(resultJSON),
		c.CreditID,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
		formatTime(c.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// FindByID retrieves a task by its ID.
func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, provider, model, status, options_json,
            progress_step, progress_percent, progress_message, progress_started_at,
            result_json, credit_id, created_at, updated_at, completed_at
        FROM tasks WHERE id = ?`,
		id,
	)
	return scanTask(row)
}

// UpdateProgress atomically sets status and progress for the task.
func (r *SQLiteRepository) UpdateProgress(ctx context.Context, id string, status Status, p Progress) error {
	now := time.Now()
	completedAt := ""
	if status.IsTerminal() {
		completedAt = formatTime(now)
	}

	res, err := r.execWithRetry(
		ctx,
		`UPDATE tasks SET
            status = ?,
            progress_step = ?, progress_percent = ?, progress_message = ?,
            updated_at = ?,
            completed_at = CASE WHEN ? != '' THEN ? ELSE completed_at END
        WHERE id = ?`,
		string(status),
		string(p.Step),
		p.Percent,
		p.Message,
		formatTime(now),
		completedAt,
		completedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(res)
}

// UpdateResult atomically sets status and result for the task.
func (r *SQLiteRepository) UpdateResult(ctx context.Context, id string, status Status, result Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	now := time.Now()
	completedAt := ""
	if status.IsTerminal() {
		completedAt = formatTime(now)
	}

	res, err := r.execWithRetry(
		ctx,
		`UPDATE tasks SET
            status = ?, result_json = ?, updated_at = ?,
            completed_at = CASE WHEN ? != '' THEN ? ELSE completed_at END
        WHERE id = ?`,
		string(status),
		string(resultJSON),
		formatTime(now),
		completedAt,
		completedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	return requireRow(res)
}

// PatchResultURLs overwrites only the URL fields of the stored result.
// The read-modify-write runs inside a transaction so concurrent status
// writes keep their own fields.
func (r *SQLiteRepository) PatchResultURLs(ctx context.Context, id string, patch ResultURLPatch) error {
	return retryOnBusy(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var resultJSON sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT result_json FROM tasks WHERE id = ?`, id).Scan(&resultJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("read result: %w", err)
		}

		var result Result
		if resultJSON.Valid && resultJSON.String != "" {
			if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		patch.Apply(&result)

		patched, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}

		_, err = tx.ExecContext(
			ctx,
			`UPDATE tasks SET result_json = ?, updated_at = ? WHERE id = ?`,
			string(patched),
			formatTime(time.Now()),
			id,
		)
		if err != nil {
			return fmt.Errorf("patch result: %w", err)
		}

		return tx.Commit()
	})
}

// List returns all tasks ordered by creation time.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Task, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, provider, model, status, options_json,
            progress_step, progress_percent, progress_message, progress_started_at,
            result_json, credit_id, created_at, updated_at, completed_at
        FROM tasks ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task from storage.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.execWithRetry(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		provider    string
		status      string
		optionsJSON sql.NullString
		step        sql.NullString
		message     sql.NullString
		startedAt   sql.NullString
		resultJSON  sql.NullString
		creditID    sql.NullString
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)

	err := row.Scan(
		&t.ID, &provider, &t.Model, &status, &optionsJSON,
		&step, &t.Progress.Percent, &message, &startedAt,
		&resultJSON, &creditID, &createdAt, &updatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Provider = Provider(provider)
	t.Status = Status(status)
	t.Progress.Step = Step(step.String)
	t.Progress.Message = message.String
	t.Progress.StartedAt = parseTime(startedAt.String)
	t.CreditID = creditID.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.Progress.UpdatedAt = t.UpdatedAt
	t.CompletedAt = parseTime(completedAt.String)

	if optionsJSON.Valid && optionsJSON.String != "" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &t.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
