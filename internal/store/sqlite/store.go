// Package sqlite implements store.Store on an embedded SQLite database.
//
// SQLite has no row locks and no SKIP LOCKED. Claims are emulated with a
// single conditional UPDATE ... RETURNING guarded on status = 'pending':
// writers are serialized (one connection per process, file locking across
// processes, busy_timeout instead of immediate SQLITE_BUSY), so the statement
// that wins the compare-and-set owns the task and every other caller moves on
// to the next row or gets nothing.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aceteam-ai/talktime/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    kind         TEXT NOT NULL,
    payload      TEXT NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   TEXT NOT NULL,
    started_at   TEXT,
    completed_at TEXT,
    error        TEXT,
    worker_id    TEXT NOT NULL DEFAULT '',
    claim_token  TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(created_at, seq) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_processing ON tasks(started_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS transactions (
    id             TEXT PRIMARY KEY,
    order_id       TEXT NOT NULL UNIQUE,
    email          TEXT NOT NULL,
    amount         INTEGER NOT NULL,
    credit_seconds INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'recorded',
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_recorded ON transactions(created_at) WHERE status = 'recorded';

CREATE TABLE IF NOT EXISTS users (
    email                 TEXT PRIMARY KEY,
    talktime_seconds      INTEGER NOT NULL DEFAULT 0 CHECK (talktime_seconds >= 0),
    last_login            TEXT,
    total_sessions        INTEGER NOT NULL DEFAULT 0,
    is_community_member   INTEGER NOT NULL DEFAULT 0,
    last_community_refill TEXT,
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    session_key      TEXT NOT NULL UNIQUE,
    email            TEXT NOT NULL,
    started_at       TEXT NOT NULL,
    ended_at         TEXT NOT NULL,
    consumed_seconds INTEGER NOT NULL DEFAULT 0,
    final_balance    INTEGER NOT NULL DEFAULT 0,
    end_reason       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS followups (
    session_key TEXT PRIMARY KEY,
    email       TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
`

// timeLayout is fixed-width so that lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, kind, payload, status, created_at, started_at, completed_at, error, worker_id, claim_token, attempts`

// Store provides SQLite-backed storage for tasks, balances and the ledger.
type Store struct {
	db *sql.DB
}

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One writer connection per process; cross-process writers wait on
	// busy_timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Tasks ====================

func (s *Store) InsertTask(ctx context.Context, t *store.Task) error {
	payload, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = store.TaskPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Kind, payload, string(t.Status), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) ClaimNextTask(ctx context.Context, workerID, claimToken string, now time.Time) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'processing', started_at = ?, worker_id = ?, claim_token = ?, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM tasks
			WHERE status = 'pending'
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+taskColumns,
		formatTime(now), workerID, claimToken,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *Store) CompleteTask(ctx context.Context, id, claimToken string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = ?, error = NULL
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		formatTime(now), id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return expectOne(res, store.ErrNotClaimOwner)
}

func (s *Store) FailTask(ctx context.Context, id, claimToken, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', completed_at = ?, error = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		formatTime(now), store.TruncateError(errMsg), id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return expectOne(res, store.ErrNotClaimOwner)
}

func (s *Store) RequeueTask(ctx context.Context, id, claimToken, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', started_at = NULL, worker_id = '', claim_token = '', error = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		store.TruncateError(errMsg), id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	return expectOne(res, store.ErrNotClaimOwner)
}

func (s *Store) ReleaseTask(ctx context.Context, id, claimToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', started_at = NULL, worker_id = '', claim_token = '', attempts = MAX(attempts - 1, 0)
		WHERE id = ? AND status = 'processing' AND claim_token = ?`,
		id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	return expectOne(res, store.ErrNotClaimOwner)
}

func (s *Store) ReapStuckTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', started_at = NULL, worker_id = '', claim_token = ''
		WHERE status = 'processing' AND started_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stuck tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) RetryTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', started_at = NULL, completed_at = NULL, error = NULL, worker_id = '', claim_token = ''
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	if err := expectOne(res, store.ErrInvalidTransition); err != nil {
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountTasks(ctx context.Context) (map[store.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[store.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ==================== Users ====================

func (s *Store) CreateUser(ctx context.Context, email string, bonusSeconds int64, now time.Time) (*store.User, bool, error) {
	if bonusSeconds < 0 {
		bonusSeconds = 0
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, talktime_seconds, created_at) VALUES (?, ?, ?)
		ON CONFLICT(email) DO NOTHING`,
		email, bonusSeconds, formatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return u, n == 1, nil
}

const userColumns = `email, talktime_seconds, last_login, total_sessions, is_community_member, last_community_refill, created_at`

func (s *Store) GetUser(ctx context.Context, email string) (*store.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, limit int) ([]*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at ASC, email ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UserStats(ctx context.Context) (store.UserStats, error) {
	var st store.UserStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_community_member), 0),
		       COALESCE(SUM(talktime_seconds), 0),
		       COALESCE(SUM(total_sessions), 0)
		FROM users`,
	).Scan(&st.Users, &st.CommunityMembers, &st.TotalSeconds, &st.TotalSessions)
	if err != nil {
		return store.UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	return st, nil
}

func (s *Store) TouchLogin(ctx context.Context, email string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE email = ?`, formatTime(now), email)
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return expectOne(res, store.ErrNotFound)
}

func (s *Store) SetCommunityMember(ctx context.Context, email string, member bool) error {
	v := 0
	if member {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_community_member = ? WHERE email = ?`, v, email)
	if err != nil {
		return fmt.Errorf("set community member: %w", err)
	}
	return expectOne(res, store.ErrNotFound)
}

func (s *Store) DeductBalance(ctx context.Context, email string, seconds int64) (int64, error) {
	if seconds < 0 {
		seconds = 0
	}
	return s.updateBalance(ctx, `
		UPDATE users SET talktime_seconds = MAX(talktime_seconds - ?, 0)
		WHERE email = ? RETURNING talktime_seconds`, seconds, email)
}

func (s *Store) AdjustBalance(ctx context.Context, email string, delta int64) (int64, error) {
	return s.updateBalance(ctx, `
		UPDATE users SET talktime_seconds = MAX(talktime_seconds + ?, 0)
		WHERE email = ? RETURNING talktime_seconds`, delta, email)
}

func (s *Store) SetBalance(ctx context.Context, email string, seconds int64) (int64, error) {
	return s.updateBalance(ctx, `
		UPDATE users SET talktime_seconds = MAX(?, 0)
		WHERE email = ? RETURNING talktime_seconds`, seconds, email)
}

func (s *Store) updateBalance(ctx context.Context, query string, amount int64, email string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, query, amount, email).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update balance for %s: %w", email, err)
	}
	return balance, nil
}

func (s *Store) RefillCommunity(ctx context.Context, email string, amount int64, every time.Duration, now time.Time) (bool, int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET talktime_seconds = talktime_seconds + ?, last_community_refill = ?
		WHERE email = ? AND is_community_member = 1
		  AND (last_community_refill IS NULL OR last_community_refill <= ?)
		RETURNING talktime_seconds`,
		amount, formatTime(now), email, formatTime(now.Add(-every)),
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		u, err := s.GetUser(ctx, email)
		if err != nil {
			return false, 0, err
		}
		return false, u.TalktimeSeconds, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("community refill: %w", err)
	}
	return true, balance, nil
}

// ==================== Ledger ====================

func (s *Store) InsertTransaction(ctx context.Context, tx *store.Transaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = store.TransactionRecorded
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, order_id, email, amount, credit_seconds, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		tx.ID, tx.OrderID, tx.Email, tx.Amount, tx.CreditSeconds, string(tx.Status), formatTime(tx.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CreditTransaction(ctx context.Context, orderID string) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var email string
	var seconds int64
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions SET status = 'credited'
		WHERE order_id = ? AND status = 'recorded'
		RETURNING email, credit_seconds`, orderID,
	).Scan(&email, &seconds)
	if errors.Is(err, sql.ErrNoRows) {
		var balance int64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(u.talktime_seconds, 0)
			FROM transactions t LEFT JOIN users u ON u.email = t.email
			WHERE t.order_id = ?`, orderID,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, store.ErrNotFound
		}
		if err != nil {
			return 0, false, fmt.Errorf("load credited transaction: %w", err)
		}
		return balance, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("mark transaction credited: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (email, talktime_seconds, created_at) VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET talktime_seconds = talktime_seconds + excluded.talktime_seconds
		RETURNING talktime_seconds`,
		email, seconds, formatTime(time.Now()),
	).Scan(&balance)
	if err != nil {
		return 0, false, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit credit: %w", err)
	}
	return balance, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, orderID string) (*store.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, email, amount, credit_seconds, status, created_at
		FROM transactions WHERE order_id = ?`, orderID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *Store) ListUncredited(ctx context.Context, before time.Time) ([]*store.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, email, amount, credit_seconds, status, created_at
		FROM transactions WHERE status = 'recorded' AND created_at < ?
		ORDER BY created_at ASC`, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("list uncredited: %w", err)
	}
	defer rows.Close()

	var txs []*store.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ==================== Sessions ====================

func (s *Store) RecordSession(ctx context.Context, rec *store.SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_key, email, started_at, ended_at, consumed_seconds, final_balance, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO NOTHING`,
		rec.SessionKey, rec.Email, formatTime(rec.StartedAt), formatTime(rec.EndedAt),
		rec.ConsumedSeconds, rec.FinalBalance, rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	if n == 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET total_sessions = total_sessions + 1 WHERE email = ?`, rec.Email); err != nil {
			return fmt.Errorf("increment total_sessions: %w", err)
		}
	}
	return tx.Commit()
}

// ==================== Follow-ups ====================

func (s *Store) SaveFollowup(ctx context.Context, f *store.Followup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followups (session_key, email, content, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET email = excluded.email, content = excluded.content, created_at = excluded.created_at`,
		f.SessionKey, f.Email, f.Content, formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save followup %s: %w", f.SessionKey, err)
	}
	return nil
}

func (s *Store) GetFollowup(ctx context.Context, sessionKey string) (*store.Followup, error) {
	var (
		f         store.Followup
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, email, content, created_at FROM followups WHERE session_key = ?`, sessionKey,
	).Scan(&f.SessionKey, &f.Email, &f.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get followup %s: %w", sessionKey, err)
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

// ==================== helpers ====================

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*store.Task, error) {
	var (
		t                                  store.Task
		payload, status, createdAt         string
		startedAt, completedAt, errMessage sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Kind, &payload, &status, &createdAt,
		&startedAt, &completedAt, &errMessage, &t.WorkerID, &t.ClaimToken, &t.Attempts); err != nil {
		return nil, err
	}
	t.Status = store.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseNullTime(startedAt)
	t.CompletedAt = parseNullTime(completedAt)
	t.Error = errMessage.String
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanUser(row scanner) (*store.User, error) {
	var (
		u                     store.User
		lastLogin, lastRefill sql.NullString
		createdAt             string
		member                int
	)
	if err := row.Scan(&u.Email, &u.TalktimeSeconds, &lastLogin, &u.TotalSessions, &member, &lastRefill, &createdAt); err != nil {
		return nil, err
	}
	u.IsCommunityMember = member != 0
	u.LastLogin = parseNullTime(lastLogin)
	u.LastCommunityRefill = parseNullTime(lastRefill)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func scanTransaction(row scanner) (*store.Transaction, error) {
	var t store.Transaction
	var status, createdAt string
	if err := row.Scan(&t.ID, &t.OrderID, &t.Email, &t.Amount, &t.CreditSeconds, &status, &createdAt); err != nil {
		return nil, err
	}
	t.Status = store.TransactionStatus(status)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func encodePayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func expectOne(res sql.Result, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand (sqlite3 CLI, datetime('now')).
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
