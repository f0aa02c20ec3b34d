// Package store defines the durable records of talktime and the interfaces the
// persistent backends implement.
//
// The relational store is the single writer-of-record for task status, user
// balances and the payment ledger. Two backends exist:
//
//	sqlite   – embedded, single serialized writer (development, tests, small installs)
//	postgres – row-level locking with FOR UPDATE SKIP LOCKED (production)
//
// Every balance mutation is a single conditional statement so that concurrent
// heartbeat flushes and payment credits on the same user never lose an update.
package store

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Task is a unit of deferred work.
type Task struct {
	ID      string
	Kind    string
	Payload map[string]any
	Status  TaskStatus

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Error is set only when Status is TaskFailed.
	Error string

	// WorkerID and ClaimToken identify the current claim. Write-back is
	// accepted only when the token still matches.
	WorkerID   string
	ClaimToken string

	// Attempts counts how many times the task has been claimed.
	Attempts int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status TaskStatus
	Kind   string
	Limit  int
}

// TransactionStatus tracks whether a recorded payment has been applied to
// the user's balance.
type TransactionStatus string

const (
	TransactionRecorded TransactionStatus = "recorded"
	TransactionCredited TransactionStatus = "credited"
)

// Transaction is a payment ledger entry. OrderID is the idempotency key
// supplied by the payment gateway.
type Transaction struct {
	ID            string
	OrderID       string
	Email         string
	Amount        int64
	CreditSeconds int64
	Status        TransactionStatus
	CreatedAt     time.Time
}

// User holds the authoritative talktime balance for one account.
type User struct {
	Email               string
	TalktimeSeconds     int64
	LastLogin           *time.Time
	TotalSessions       int64
	IsCommunityMember   bool
	LastCommunityRefill *time.Time
	CreatedAt           time.Time
}

// UserStats aggregates every account.
type UserStats struct {
	Users            int64
	CommunityMembers int64
	TotalSeconds     int64
	TotalSessions    int64
}

// Followup is a generated session summary. Its link in the follow-up email
// resolves to this row.
type Followup struct {
	SessionKey string
	Email      string
	Content    string
	CreatedAt  time.Time
}

// SessionRecord is the audit row written when a metered session ends.
type SessionRecord struct {
	SessionKey      string
	Email           string
	StartedAt       time.Time
	EndedAt         time.Time
	ConsumedSeconds int64
	FinalBalance    int64
	EndReason       string
}

// TaskStore is the persistence surface of the task queue.
type TaskStore interface {
	InsertTask(ctx context.Context, task *Task) error

	// ClaimNextTask atomically moves the oldest claimable pending task to
	// processing and returns it. It returns (nil, nil) when nothing is
	// claimable, including when every pending row is held by another claimant.
	ClaimNextTask(ctx context.Context, workerID, claimToken string, now time.Time) (*Task, error)

	// CompleteTask and FailTask write terminal status for the claim
	// identified by claimToken. ErrNotClaimOwner is returned if the task was
	// reaped or reclaimed in the meantime.
	CompleteTask(ctx context.Context, id, claimToken string, now time.Time) error
	FailTask(ctx context.Context, id, claimToken, errMsg string, now time.Time) error

	// RequeueTask returns a claimed task to pending (automatic retry policy).
	RequeueTask(ctx context.Context, id, claimToken, errMsg string) error

	// ReleaseTask returns a claimed task to pending and refunds the attempt
	// the claim charged. Used when a worker shuts down mid-task.
	ReleaseTask(ctx context.Context, id, claimToken string) error

	// ReapStuckTasks resets processing tasks started before cutoff.
	ReapStuckTasks(ctx context.Context, cutoff time.Time) (int64, error)

	// RetryTask is the operator action failed -> pending.
	RetryTask(ctx context.Context, id string) error

	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	CountTasks(ctx context.Context) (map[TaskStatus]int64, error)
}

// UserStore owns the balance rows.
type UserStore interface {
	// CreateUser inserts a user with the given starting balance. If the user
	// already exists it is returned unchanged and created is false.
	CreateUser(ctx context.Context, email string, bonusSeconds int64, now time.Time) (user *User, created bool, err error)
	GetUser(ctx context.Context, email string) (*User, error)
	TouchLogin(ctx context.Context, email string, now time.Time) error
	SetCommunityMember(ctx context.Context, email string, member bool) error

	// DeductBalance subtracts seconds, flooring at zero, and returns the
	// balance after the update.
	DeductBalance(ctx context.Context, email string, seconds int64) (int64, error)

	// AdjustBalance adds delta (which may be negative), flooring at zero.
	AdjustBalance(ctx context.Context, email string, delta int64) (int64, error)
	SetBalance(ctx context.Context, email string, seconds int64) (int64, error)

	// RefillCommunity credits amount to a community member whose last
	// refill is older than every (or who never had one). refilled is false
	// when the user is not due.
	RefillCommunity(ctx context.Context, email string, amount int64, every time.Duration, now time.Time) (refilled bool, balance int64, err error)

	// ListUsers returns accounts oldest first. limit <= 0 means no limit.
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	UserStats(ctx context.Context) (UserStats, error)
}

// LedgerStore is the payment replay ledger.
type LedgerStore interface {
	// InsertTransaction performs a single conditional insert keyed on
	// OrderID. inserted is false when the order already exists.
	InsertTransaction(ctx context.Context, tx *Transaction) (inserted bool, err error)

	// CreditTransaction flips a recorded transaction to credited and adds
	// its CreditSeconds to the user balance in one store transaction.
	// credited is false when it was already credited.
	CreditTransaction(ctx context.Context, orderID string) (balance int64, credited bool, err error)

	GetTransaction(ctx context.Context, orderID string) (*Transaction, error)
	ListUncredited(ctx context.Context, before time.Time) ([]*Transaction, error)
}

// SessionStore keeps session audit records.
type SessionStore interface {
	// RecordSession inserts the record and increments the user's
	// total_sessions counter.
	RecordSession(ctx context.Context, rec *SessionRecord) error
}

// FollowupStore keeps generated session summaries.
type FollowupStore interface {
	// SaveFollowup inserts or replaces the summary for f.SessionKey.
	SaveFollowup(ctx context.Context, f *Followup) error
	GetFollowup(ctx context.Context, sessionKey string) (*Followup, error)
}

// Store is implemented by every backend.
type Store interface {
	TaskStore
	UserStore
	LedgerStore
	SessionStore
	FollowupStore

	Ping(ctx context.Context) error
	Close() error
}
