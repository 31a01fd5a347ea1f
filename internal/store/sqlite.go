package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"msgfleet/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- accounts ----

func (s *sqliteStore) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = AccountPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id, owner_id, platform, status, enabled, auto_reconnect,
  hourly_limit, daily_limit, send_delay_ms, last_heartbeat, error_count, quality,
  port, handle_id, runtime_created_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, string(a.Platform), string(a.Status),
		boolInt(a.Config.Enabled), boolInt(a.Config.AutoReconnect),
		a.Config.HourlyLimit, a.Config.DailyLimit, a.Config.SendDelay.Milliseconds(),
		nullTime(a.Health.LastHeartbeat), a.Health.ErrorCount, a.Health.Quality,
		a.Runtime.Port, a.Runtime.HandleID, nullTime(a.Runtime.CreatedAt),
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	return err
}

const accountCols = `id, owner_id, platform, status, enabled, auto_reconnect,
  hourly_limit, daily_limit, send_delay_ms, last_heartbeat, error_count, quality,
  port, handle_id, runtime_created_at, created_at, updated_at`

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(row rowScanner) (Account, error) {
	var (
		a                        Account
		platform, status         string
		enabled, autoReconnect   int
		sendDelayMS              int64
		heartbeat, rtCreated     sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(&a.ID, &a.OwnerID, &platform, &status, &enabled, &autoReconnect,
		&a.Config.HourlyLimit, &a.Config.DailyLimit, &sendDelayMS,
		&heartbeat, &a.Health.ErrorCount, &a.Health.Quality,
		&a.Runtime.Port, &a.Runtime.HandleID, &rtCreated, &createdAt, &updatedAt)
	if err != nil {
		return Account{}, err
	}
	a.Platform = Platform(platform)
	a.Status = AccountStatus(status)
	a.Config.Enabled = enabled != 0
	a.Config.AutoReconnect = autoReconnect != 0
	a.Config.SendDelay = time.Duration(sendDelayMS) * time.Millisecond
	a.Health.LastHeartbeat = parseNullTime(heartbeat)
	a.Runtime.CreatedAt = parseNullTime(rtCreated)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (s *sqliteStore) TransitionAccount(ctx context.Context, id string, to AccountStatus, from ...AccountStatus) error {
	q := `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), fmtTime(time.Now().UTC()), id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, string(f))
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.accountConflict(ctx, id)
	}
	return nil
}

func (s *sqliteStore) accountConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *sqliteStore) UpdateAccountConfig(ctx context.Context, id string, cfg AccountConfig) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET enabled = ?, auto_reconnect = ?, hourly_limit = ?, daily_limit = ?,
  send_delay_ms = ?, updated_at = ? WHERE id = ?`,
		boolInt(cfg.Enabled), boolInt(cfg.AutoReconnect), cfg.HourlyLimit, cfg.DailyLimit,
		cfg.SendDelay.Milliseconds(), fmtTime(time.Now().UTC()), id)
	return rowsOr(res, err, ErrAccountNotFound)
}

func (s *sqliteStore) UpdateAccountRuntime(ctx context.Context, id string, rt AccountRuntime) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET port = ?, handle_id = ?, runtime_created_at = ?, updated_at = ? WHERE id = ?`,
		rt.Port, rt.HandleID, nullTime(rt.CreatedAt), fmtTime(time.Now().UTC()), id)
	return rowsOr(res, err, ErrAccountNotFound)
}

func (s *sqliteStore) UpdateAccountHealth(ctx context.Context, id string, h AccountHealth) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET last_heartbeat = ?, error_count = ?, quality = ?, updated_at = ? WHERE id = ?`,
		nullTime(h.LastHeartbeat), h.ErrorCount, h.Quality, fmtTime(time.Now().UTC()), id)
	return rowsOr(res, err, ErrAccountNotFound)
}

func (s *sqliteStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at.UTC()), fmtTime(time.Now().UTC()), id)
	return rowsOr(res, err, ErrAccountNotFound)
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (id, type, owner_id, parent_id, config, status, completed, failed, total,
  error, queued_at, started_at, finished_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.OwnerID, t.ParentID, string(cfg), string(t.Status),
		t.Progress.Completed, t.Progress.Failed, t.Progress.Total, t.Error,
		nullTime(t.QueuedAt), nullTime(t.StartedAt), nullTime(t.FinishedAt),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	return err
}

const taskCols = `id, type, owner_id, parent_id, config, status, completed, failed, total,
  error, queued_at, started_at, finished_at, created_at, updated_at`

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                    Task
		cfg, status          string
		queued, started, fin sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Type, &t.OwnerID, &t.ParentID, &cfg, &status,
		&t.Progress.Completed, &t.Progress.Failed, &t.Progress.Total, &t.Error,
		&queued, &started, &fin, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
		return Task{}, fmt.Errorf("task %s config: %w", t.ID, err)
	}
	t.Status = TaskStatus(status)
	t.QueuedAt = parseNullTime(queued)
	t.StartedAt = parseNullTime(started)
	t.FinishedAt = parseNullTime(fin)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (s *sqliteStore) TaskStatusCounts(ctx context.Context) (map[string]map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, status, COUNT(*) FROM tasks GROUP BY type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]map[TaskStatus]int{}
	for rows.Next() {
		var taskType, status string
		var n int
		if err := rows.Scan(&taskType, &status, &n); err != nil {
			return nil, err
		}
		if out[taskType] == nil {
			out[taskType] = map[TaskStatus]int{}
		}
		out[taskType][TaskStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionTask(ctx context.Context, id string, to TaskStatus, from ...TaskStatus) error {
	now := fmtTime(time.Now().UTC())
	set := `status = ?, updated_at = ?`
	args := []any{string(to), now}
	switch to {
	case TaskQueued:
		set += `, queued_at = ?`
		args = append(args, now)
	case TaskRunning:
		set += `, started_at = ?`
		args = append(args, now)
	case TaskCompleted, TaskFailed, TaskCancelled:
		set += `, finished_at = ?`
		args = append(args, now)
	}
	q := `UPDATE tasks SET ` + set + ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, string(f))
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.taskConflict(ctx, id)
	}
	return nil
}

func (s *sqliteStore) taskConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *sqliteStore) SetTaskError(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET error = ?, updated_at = ? WHERE id = ?`,
		msg, fmtTime(time.Now().UTC()), id)
	return rowsOr(res, err, ErrTaskNotFound)
}

func (s *sqliteStore) SetTaskTotal(ctx context.Context, id string, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET total = ?, updated_at = ? WHERE id = ?`,
		total, fmtTime(time.Now().UTC()), id)
	return rowsOr(res, err, ErrTaskNotFound)
}

func (s *sqliteStore) IncProgress(ctx context.Context, id string, completed, failed int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET completed = completed + ?, failed = failed + ?, updated_at = ?
WHERE id = ? AND completed + failed + ? <= total`,
		completed, failed, fmtTime(time.Now().UTC()), id, completed+failed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		return ErrProgressOverflow
	}
	return nil
}

func (s *sqliteStore) AppendResult(ctx context.Context, id string, r TargetResult) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_results (task_id, target, account_id, outcome, message, at)
VALUES (?,?,?,?,?,?)`,
		id, r.Target, r.AccountID, r.Outcome, r.Message, fmtTime(r.At))
	return err
}

func (s *sqliteStore) ListResults(ctx context.Context, id string) ([]TargetResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT target, account_id, outcome, message, at FROM task_results
WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TargetResult
	for rows.Next() {
		var r TargetResult
		var at string
		if err := rows.Scan(&r.Target, &r.AccountID, &r.Outcome, &r.Message, &at); err != nil {
			return nil, err
		}
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseNullTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return parseTime(v.String)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func rowsOr(res sql.Result, err, missing error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return missing
	}
	return nil
}
