package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/ledger/payments"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/session"
	"github.com/aceteam-ai/talktime/internal/store"
)

type emailRequest struct {
	Email string `json:"email"`
}

type userResponse struct {
	Email             string     `json:"email"`
	TalktimeSeconds   int64      `json:"talktime_seconds"`
	IsCommunityMember bool       `json:"is_community_member"`
	TotalSessions     int64      `json:"total_sessions"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
	Created           bool       `json:"created,omitempty"`
}

func newUserResponse(u *store.User) userResponse {
	return userResponse{
		Email:             u.Email,
		TalktimeSeconds:   u.TalktimeSeconds,
		IsCommunityMember: u.IsCommunityMember,
		TotalSessions:     u.TotalSessions,
		LastLogin:         u.LastLogin,
	}
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, created, err := s.opts.Accounts.Signup(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := newUserResponse(u)
	resp.Created = created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.opts.Accounts.Login(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(u))
}

func (s *Server) talktime(w http.ResponseWriter, r *http.Request) {
	u, err := s.opts.Accounts.Talktime(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"talktime_seconds": u.TalktimeSeconds})
}

type submitTaskRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

type taskResponse struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.opts.Tasks.Submit(r.Context(), strings.TrimSpace(req.Kind), req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.opts.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		ID:          t.ID,
		Kind:        t.Kind,
		Status:      string(t.Status),
		Payload:     t.Payload,
		Error:       t.Error,
		Attempts:    t.Attempts,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Sessions.Start(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type heartbeatRequest struct {
	SessionKey     string  `json:"session_key"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type heartbeatResponse struct {
	Remaining int64 `json:"remaining_balance"`
	Paused    bool  `json:"paused"`
	Ended     bool  `json:"ended"`
	Locked    bool  `json:"locked,omitempty"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeSession(r.Context(), req.SessionKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.opts.Sessions.Heartbeat(r.Context(), req.SessionKey, req.ElapsedSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Remaining: res.Remaining,
		Paused:    res.Paused,
		Ended:     res.Ended,
		Locked:    res.Locked,
	})
}

type endRequest struct {
	SessionKey string `json:"session_key"`
	Transcript string `json:"transcript"`
}

type endResponse struct {
	FinalBalance int64  `json:"final_balance"`
	Consumed     int64  `json:"consumed_seconds"`
	FollowupTask string `json:"followup_task_id,omitempty"`
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	email := userFrom(r.Context())
	if err := s.authorizeSession(r.Context(), req.SessionKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.opts.Sessions.End(r.Context(), req.SessionKey, meter.ReasonClient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := endResponse{FinalBalance: res.FinalBalance, Consumed: res.Consumed}
	if strings.TrimSpace(req.Transcript) != "" {
		id, err := s.opts.Sessions.EnqueueFollowup(r.Context(), session.Followup{
			Email:      email,
			SessionKey: req.SessionKey,
			Transcript: req.Transcript,
			HostURL:    s.publicURL(r),
		})
		if err != nil {
			s.logger.Error("failed to enqueue session follow-up", zap.String("session_key", req.SessionKey), zap.Error(err))
		}
		resp.FollowupTask = id
	}
	writeJSON(w, http.StatusOK, resp)
}

type followupResponse struct {
	SessionKey string    `json:"session_key"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// getFollowup serves a saved summary to the user it was written for. Other
// users get 404 so a guessed session key reveals nothing.
func (s *Server) getFollowup(w http.ResponseWriter, r *http.Request) {
	f, err := s.opts.Followups.GetFollowup(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Email != userFrom(r.Context()) {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, followupResponse{
		SessionKey: f.SessionKey,
		Content:    f.Content,
		CreatedAt:  f.CreatedAt,
	})
}

func (s *Server) authorizeSession(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return errBadRequest
	}
	return s.opts.Sessions.Authorize(ctx, key, userFrom(ctx))
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var c payments.Confirmation
	if err := decodeJSON(w, r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	email := userFrom(r.Context())
	if c.Email == "" {
		c.Email = email
	}
	if !strings.EqualFold(strings.TrimSpace(c.Email), email) {
		s.writeError(w, r, session.ErrNotOwner)
		return
	}
	c.Email = email

	res, err := s.opts.Payments.Confirm(r.Context(), c)
	switch {
	case errors.Is(err, payments.ErrAlreadyProcessed):
		// Replays report accepted=false with 200.
		writeJSON(w, http.StatusOK, res)
	case err != nil && res.Accepted:
		s.logger.Error("payment recorded but not credited", zap.String("order_id", c.OrderID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, res)
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type healthResponse struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{OK: true, Checks: make(map[string]string, len(s.opts.Checks))}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			resp.OK = false
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
