// Package ledger records payment confirmations exactly once and applies them
// to user balances.
//
// Recording and crediting are two steps. RecordIfNew is the replay guard: a
// single conditional insert keyed on the gateway's order id. Credit is
// idempotent on its own, so a crash between the two steps is repaired by
// Reconcile without ever crediting twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/store"
)

var (
	ErrMissingOrderID = errors.New("ledger: order_id is required")
	ErrMissingEmail   = errors.New("ledger: email is required")
	ErrInvalidAmount  = errors.New("ledger: amount must not be negative")
)

// Options configures a Ledger.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Ledger is the payment replay ledger.
type Ledger struct {
	store  store.LedgerStore
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Ledger over s.
func New(s store.LedgerStore, opts Options) *Ledger {
	l := &Ledger{store: s, logger: opts.Logger, now: opts.Now}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// RecordIfNew inserts a recorded transaction for orderID. accepted is false
// when the order was seen before, which callers must treat as a replay.
func (l *Ledger) RecordIfNew(ctx context.Context, orderID, email string, amount, creditSeconds int64) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, ErrMissingOrderID
	}
	if email == "" {
		return false, ErrMissingEmail
	}
	if amount < 0 || creditSeconds < 0 {
		return false, ErrInvalidAmount
	}

	accepted, err := l.store.InsertTransaction(ctx, &store.Transaction{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		Email:         email,
		Amount:        amount,
		CreditSeconds: creditSeconds,
		Status:        store.TransactionRecorded,
		CreatedAt:     l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to record order %s: %w", orderID, err)
	}
	if !accepted {
		l.logger.Warn("replayed payment confirmation", zap.String("order_id", orderID), zap.String("email", email))
	}
	return accepted, nil
}

// Credit applies a recorded transaction to the user's balance. It returns
// the balance afterwards; credited is false when the transaction had
// already been applied.
func (l *Ledger) Credit(ctx context.Context, orderID string) (int64, bool, error) {
	balance, credited, err := l.store.CreditTransaction(ctx, orderID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to credit order %s: %w", orderID, err)
	}
	if credited {
		l.logger.Info("payment credited", zap.String("order_id", orderID), zap.Int64("balance", balance))
	}
	return balance, credited, nil
}

// Reconcile credits transactions recorded more than olderThan ago that were
// never credited. It returns how many were credited. One failing order does
// not stop the rest.
func (l *Ledger) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	txs, err := l.store.ListUncredited(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list uncredited transactions: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, tx := range txs {
		_, credited, err := l.Credit(ctx, tx.OrderID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if credited {
			n++
			l.logger.Warn("reconciled uncredited payment",
				zap.String("order_id", tx.OrderID),
				zap.String("email", tx.Email),
				zap.Int64("credit_seconds", tx.CreditSeconds))
		}
	}
	return n, errors.Join(errs...)
}
