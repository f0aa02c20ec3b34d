// Package account manages user balances outside of metered sessions:
// signup bonuses, login bookkeeping, community refills and operator
// adjustments.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/store"
)

var ErrInvalidEmail = errors.New("account: a valid email address is required")

// Options configures a Service.
type Options struct {
	SignupBonusSeconds     int64
	CommunityRefillSeconds int64
	CommunityRefillEvery   time.Duration
	Logger                 *zap.Logger
	Now                    func() time.Time
}

// Service applies account rules over a user store.
type Service struct {
	store store.UserStore
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func New(s store.UserStore, opts Options) *Service {
	svc := &Service{store: s, opts: opts, log: opts.Logger, now: opts.Now}
	if svc.log == nil {
		svc.log = zap.NewNop()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.opts.CommunityRefillEvery <= 0 {
		svc.opts.CommunityRefillEvery = 30 * 24 * time.Hour
	}
	return svc
}

// NormalizeEmail lowercases and trims email and checks that it parses as
// a bare address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Signup creates the user with the welcome bonus. Signing up twice returns
// the existing user and created=false; the bonus is granted once.
func (s *Service) Signup(ctx context.Context, email string) (*store.User, bool, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, false, err
	}
	u, created, err := s.store.CreateUser(ctx, email, s.opts.SignupBonusSeconds, s.now())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	if created {
		s.log.Info("user signed up", zap.String("email", email), zap.Int64("bonus_seconds", s.opts.SignupBonusSeconds))
	}
	return u, created, nil
}

// Login records the login time, applies a due community refill and
// returns the user.
func (s *Service) Login(ctx context.Context, email string) (*store.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchLogin(ctx, email, s.now()); err != nil {
		return nil, err
	}
	return s.Talktime(ctx, email)
}

// Talktime returns the user after applying a due community refill.
func (s *Service) Talktime(ctx context.Context, email string) (*store.User, error) {
	if _, err := s.Refill(ctx, email); err != nil {
		return nil, err
	}
	return s.store.GetUser(ctx, email)
}

// Refill credits the community refill if the user is a member and the
// last refill is older than the refill period.
func (s *Service) Refill(ctx context.Context, email string) (bool, error) {
	if s.opts.CommunityRefillSeconds <= 0 {
		return false, nil
	}
	refilled, balance, err := s.store.RefillCommunity(ctx, email, s.opts.CommunityRefillSeconds, s.opts.CommunityRefillEvery, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to refill community balance: %w", err)
	}
	if refilled {
		s.log.Info("community refill applied", zap.String("email", email), zap.Int64("balance", balance))
	}
	return refilled, nil
}

// Adjust adds delta seconds to the balance. Negative deltas floor at zero.
func (s *Service) Adjust(ctx context.Context, email string, delta int64) (int64, error) {
	return s.store.AdjustBalance(ctx, email, delta)
}

// Set replaces the balance.
func (s *Service) Set(ctx context.Context, email string, seconds int64) (int64, error) {
	if seconds < 0 {
		seconds = 0
	}
	return s.store.SetBalance(ctx, email, seconds)
}

func (s *Service) SetCommunityMember(ctx context.Context, email string, member bool) error {
	return s.store.SetCommunityMember(ctx, email, member)
}

// List returns accounts oldest first, at most limit of them.
func (s *Service) List(ctx context.Context, limit int) ([]*store.User, error) {
	return s.store.ListUsers(ctx, limit)
}

// Stats aggregates balances, community membership and session counts.
func (s *Service) Stats(ctx context.Context) (store.UserStats, error) {
	return s.store.UserStats(ctx)
}
