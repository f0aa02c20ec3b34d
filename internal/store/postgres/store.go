// Package postgres implements store.Store on PostgreSQL through pgxpool.
//
// Claims use FOR UPDATE SKIP LOCKED so that a claimant never waits on a row
// another claimant has locked; it moves on to the next pending row instead.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aceteam-ai/talktime/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           UUID PRIMARY KEY,
    kind         TEXT NOT NULL,
    payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    error        TEXT,
    worker_id    TEXT NOT NULL DEFAULT '',
    claim_token  TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(created_at, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_processing ON tasks(started_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS transactions (
    id             UUID PRIMARY KEY,
    order_id       TEXT NOT NULL UNIQUE,
    email          TEXT NOT NULL,
    amount         BIGINT NOT NULL,
    credit_seconds BIGINT NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'recorded',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    email                 TEXT PRIMARY KEY,
    talktime_seconds      BIGINT NOT NULL DEFAULT 0 CHECK (talktime_seconds >= 0),
    last_login            TIMESTAMPTZ,
    total_sessions        BIGINT NOT NULL DEFAULT 0,
    is_community_member   BOOLEAN NOT NULL DEFAULT false,
    last_community_refill TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
    id               BIGSERIAL PRIMARY KEY,
    session_key      TEXT NOT NULL UNIQUE,
    email            TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ NOT NULL,
    consumed_seconds BIGINT NOT NULL DEFAULT 0,
    final_balance    BIGINT NOT NULL DEFAULT 0,
    end_reason       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS followups (
    session_key TEXT PRIMARY KEY,
    email       TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const taskColumns = `id::text, kind, payload, status, created_at, started_at, completed_at, error, worker_id, claim_token, attempts`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
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
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Kind, payload, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) ClaimNextTask(ctx context.Context, workerID, claimToken string, now time.Time) (*store.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'processing', started_at = $1, worker_id = $2, claim_token = $3, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		now, workerID, claimToken,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *Store) CompleteTask(ctx context.Context, id, claimToken string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = $1, error = NULL
		WHERE id = $2 AND status = 'processing' AND claim_token = $3`,
		now, id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return expectOne(tag, store.ErrNotClaimOwner)
}

func (s *Store) FailTask(ctx context.Context, id, claimToken, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', completed_at = $1, error = $2
		WHERE id = $3 AND status = 'processing' AND claim_token = $4`,
		now, store.TruncateError(errMsg), id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return expectOne(tag, store.ErrNotClaimOwner)
}

func (s *Store) RequeueTask(ctx context.Context, id, claimToken, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'pending', started_at = NULL, worker_id = '', claim_token = '', error = $1
		WHERE id = $2 AND status = 'processing' AND claim_token = $3`,
		store.TruncateError(errMsg), id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	return expectOne(tag, store.ErrNotClaimOwner)
}

func (s *Store) ReleaseTask(ctx context.Context, id, claimToken string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', started_at = NULL, worker_id = '', claim_token = '', attempts = GREATEST(attempts - 1, 0)
		WHERE id = $1 AND status = 'processing' AND claim_token = $2`,
		id, claimToken,
	)
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	return expectOne(tag, store.ErrNotClaimOwner)
}

func (s *Store) ReapStuckTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'pending', started_at = NULL, worker_id = '', claim_token = ''
		WHERE status = 'processing' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stuck tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RetryTask(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', started_at = NULL, completed_at = NULL, error = NULL, worker_id = '', claim_token = ''
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	if err := expectOne(tag, store.ErrInvalidTransition); err != nil {
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE true`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (email, talktime_seconds, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO NOTHING`, email, bonusSeconds, now)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return u, tag.RowsAffected() == 1, nil
}

const userColumns = `email, talktime_seconds, last_login, total_sessions, is_community_member, last_community_refill, created_at`

func (s *Store) GetUser(ctx context.Context, email string) (*store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
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
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
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
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_community_member),
		       COALESCE(SUM(talktime_seconds), 0)::bigint,
		       COALESCE(SUM(total_sessions), 0)::bigint
		FROM users`,
	).Scan(&st.Users, &st.CommunityMembers, &st.TotalSeconds, &st.TotalSessions)
	if err != nil {
		return store.UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	return st, nil
}

func (s *Store) TouchLogin(ctx context.Context, email string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login = $1 WHERE email = $2`, now, email)
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return expectOne(tag, store.ErrNotFound)
}

func (s *Store) SetCommunityMember(ctx context.Context, email string, member bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET is_community_member = $1 WHERE email = $2`, member, email)
	if err != nil {
		return fmt.Errorf("set community member: %w", err)
	}
	return expectOne(tag, store.ErrNotFound)
}

func (s *Store) DeductBalance(ctx context.Context, email string, seconds int64) (int64, error) {
	if seconds < 0 {
		seconds = 0
	}
	return s.updateBalance(ctx, `
		UPDATE users SET talktime_seconds = GREATEST(talktime_seconds - $1, 0)
		WHERE email = $2 RETURNING talktime_seconds`, seconds, email)
}

func (s *Store) AdjustBalance(ctx context.Context, email string, delta int64) (int64, error) {
	return s.updateBalance(ctx, `
		UPDATE users SET talktime_seconds = GREATEST(talktime_seconds + $1, 0)
		WHERE email = $2 RETURNING talktime_seconds`, delta, email)
}

func (s *Store) SetBalance(ctx context.Context, email string, seconds int64) (int64, error) {
	return s.updateBalance(ctx, `
		UPDATE users SET talktime_seconds = GREATEST($1::bigint, 0)
		WHERE email = $2 RETURNING talktime_seconds`, seconds, email)
}

func (s *Store) updateBalance(ctx context.Context, query string, amount int64, email string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, query, amount, email).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update balance for %s: %w", email, err)
	}
	return balance, nil
}

func (s *Store) RefillCommunity(ctx context.Context, email string, amount int64, every time.Duration, now time.Time) (bool, int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		UPDATE users
		SET talktime_seconds = talktime_seconds + $1, last_community_refill = $2
		WHERE email = $3 AND is_community_member
		  AND (last_community_refill IS NULL OR last_community_refill <= $4)
		RETURNING talktime_seconds`,
		amount, now, email, now.Add(-every),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, order_id, email, amount, credit_seconds, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id) DO NOTHING`,
		tx.ID, tx.OrderID, tx.Email, tx.Amount, tx.CreditSeconds, string(tx.Status), tx.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CreditTransaction(ctx context.Context, orderID string) (int64, bool, error) {
	var (
		balance  int64
		credited bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var email string
		var seconds int64
		err := tx.QueryRow(ctx, `
			UPDATE transactions SET status = 'credited'
			WHERE order_id = $1 AND status = 'recorded'
			RETURNING email, credit_seconds`, orderID,
		).Scan(&email, &seconds)
		if errors.Is(err, pgx.ErrNoRows) {
			err := tx.QueryRow(ctx, `
				SELECT COALESCE(u.talktime_seconds, 0)
				FROM transactions t LEFT JOIN users u ON u.email = t.email
				WHERE t.order_id = $1`, orderID,
			).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("mark transaction credited: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO users (email, talktime_seconds) VALUES ($1, $2)
			ON CONFLICT (email) DO UPDATE SET talktime_seconds = users.talktime_seconds + EXCLUDED.talktime_seconds
			RETURNING talktime_seconds`, email, seconds,
		).Scan(&balance)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		credited = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return balance, credited, nil
}

func (s *Store) GetTransaction(ctx context.Context, orderID string) (*store.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `
		SELECT id::text, order_id, email, amount, credit_seconds, status, created_at
		FROM transactions WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *Store) ListUncredited(ctx context.Context, before time.Time) ([]*store.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, order_id, email, amount, credit_seconds, status, created_at
		FROM transactions WHERE status = 'recorded' AND created_at < $1
		ORDER BY created_at ASC`, before)
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
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sessions (session_key, email, started_at, ended_at, consumed_seconds, final_balance, end_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_key) DO NOTHING`,
			rec.SessionKey, rec.Email, rec.StartedAt, rec.EndedAt, rec.ConsumedSeconds, rec.FinalBalance, rec.EndReason,
		)
		if err != nil {
			return fmt.Errorf("insert session record: %w", err)
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, `UPDATE users SET total_sessions = total_sessions + 1 WHERE email = $1`, rec.Email); err != nil {
				return fmt.Errorf("increment total_sessions: %w", err)
			}
		}
		return nil
	})
}

// ==================== helpers ====================

// ==================== Follow-ups ====================

func (s *Store) SaveFollowup(ctx context.Context, f *store.Followup) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO followups (session_key, email, content, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_key) DO UPDATE SET email = EXCLUDED.email, content = EXCLUDED.content, created_at = EXCLUDED.created_at`,
		f.SessionKey, f.Email, f.Content, createdAt,
	)
	if err != nil {
		return fmt.Errorf("save followup %s: %w", f.SessionKey, err)
	}
	return nil
}

func (s *Store) GetFollowup(ctx context.Context, sessionKey string) (*store.Followup, error) {
	var f store.Followup
	err := s.pool.QueryRow(ctx, `
		SELECT session_key, email, content, created_at FROM followups WHERE session_key = $1`, sessionKey,
	).Scan(&f.SessionKey, &f.Email, &f.Content, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get followup %s: %w", sessionKey, err)
	}
	return &f, nil
}

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	if err := row.Scan(&u.Email, &u.TalktimeSeconds, &u.LastLogin, &u.TotalSessions, &u.IsCommunityMember, &u.LastCommunityRefill, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanTask(row pgx.Row) (*store.Task, error) {
	var (
		t          store.Task
		payload    []byte
		status     string
		errMessage *string
	)
	if err := row.Scan(&t.ID, &t.Kind, &payload, &status, &t.CreatedAt,
		&t.StartedAt, &t.CompletedAt, &errMessage, &t.WorkerID, &t.ClaimToken, &t.Attempts); err != nil {
		return nil, err
	}
	t.Status = store.TaskStatus(status)
	if errMessage != nil {
		t.Error = *errMessage
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTransaction(row pgx.Row) (*store.Transaction, error) {
	var t store.Transaction
	var status string
	if err := row.Scan(&t.ID, &t.OrderID, &t.Email, &t.Amount, &t.CreditSeconds, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = store.TransactionStatus(status)
	return &t, nil
}

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func expectOne(tag pgconn.CommandTag, sentinel error) error {
	if tag.RowsAffected() == 0 {
		return sentinel
	}
	return nil
}
