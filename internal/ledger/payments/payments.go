// Package payments confirms gateway payments: signature check, replay
// guard, balance credit, then resuming a session paused on an empty
// balance.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/ledger"
)

var (
	ErrMissingFields    = errors.New("payments: missing payment details")
	ErrInvalidSignature = errors.New("payments: invalid payment signature")
	ErrAlreadyProcessed = errors.New("payments: transaction already processed")
)

// Confirmation is a payment confirmation as posted by the client after
// checkout.
type Confirmation struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Email     string `json:"email"`
	Amount    int64  `json:"amount"`
	Signature string `json:"signature"`
}

// Result is the outcome of a confirmation.
type Result struct {
	Accepted bool  `json:"accepted"`
	Balance  int64 `json:"talktime_seconds"`
	Resumed  bool  `json:"resumed"`
}

// Verifier checks a confirmation's gateway signature.
type Verifier interface {
	Verify(c Confirmation) error
}

// HMACVerifier checks a hex HMAC-SHA256 over "order_id|payment_id".
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier with the gateway key secret. An empty
// secret rejects every confirmation.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign returns the expected signature for an order and payment.
func (v *HMACVerifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(c Confirmation) error {
	if len(v.secret) == 0 {
		return ErrInvalidSignature
	}
	expected := v.Sign(c.OrderID, c.PaymentID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(c.Signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// SessionResumer resumes the user's active session, if any.
type SessionResumer interface {
	ResumeForUser(ctx context.Context, email string) (bool, error)
}

// Options configures a Service.
type Options struct {
	// CreditSeconds is the talktime granted per confirmed payment
	CreditSeconds int64

	// Resumer is optional; without it balances are credited but paused
	// sessions stay paused until the client restarts them
	Resumer SessionResumer

	Logger *zap.Logger
}

// Service confirms payments.
type Service struct {
	ledger        *ledger.Ledger
	verifier      Verifier
	resumer       SessionResumer
	creditSeconds int64
	logger        *zap.Logger
}

// NewService creates a payments Service.
func NewService(l *ledger.Ledger, v Verifier, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:        l,
		verifier:      v,
		resumer:       opts.Resumer,
		creditSeconds: opts.CreditSeconds,
		logger:        logger,
	}
}

// Confirm verifies and applies a payment. A replayed order returns
// ErrAlreadyProcessed and a Result with Accepted false; nothing is credited.
func (s *Service) Confirm(ctx context.Context, c Confirmation) (Result, error) {
	c.OrderID = strings.TrimSpace(c.OrderID)
	c.PaymentID = strings.TrimSpace(c.PaymentID)
	if c.OrderID == "" || c.PaymentID == "" || c.Signature == "" || c.Email == "" {
		return Result{}, ErrMissingFields
	}

	if err := s.verifier.Verify(c); err != nil {
		s.logger.Warn("payment signature rejected", zap.String("order_id", c.OrderID), zap.String("email", c.Email))
		return Result{}, err
	}

	accepted, err := s.ledger.RecordIfNew(ctx, c.OrderID, c.Email, c.Amount, s.creditSeconds)
	if err != nil {
		return Result{}, err
	}
	if !accepted {
		return Result{Accepted: false}, ErrAlreadyProcessed
	}

	balance, _, err := s.ledger.Credit(ctx, c.OrderID)
	if err != nil {
		// Recorded but not credited; the reaper's reconcile pass finishes it.
		return Result{Accepted: true}, fmt.Errorf("payment recorded, credit pending: %w", err)
	}

	res := Result{Accepted: true, Balance: balance}
	if s.resumer != nil {
		resumed, err := s.resumer.ResumeForUser(ctx, c.Email)
		if err != nil {
			s.logger.Warn("resume after payment failed", zap.String("email", c.Email), zap.Error(err))
		}
		res.Resumed = resumed
	}

	s.logger.Info("payment confirmed",
		zap.String("order_id", c.OrderID),
		zap.String("email", c.Email),
		zap.Int64("balance", balance),
		zap.Bool("resumed", res.Resumed))
	return res, nil
}
