package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aceteam-ai/talktime/internal/account"
	"github.com/aceteam-ai/talktime/internal/ledger"
	"github.com/aceteam-ai/talktime/internal/ledger/payments"
	"github.com/aceteam-ai/talktime/internal/meter"
	"github.com/aceteam-ai/talktime/internal/queue"
	"github.com/aceteam-ai/talktime/internal/session"
	"github.com/aceteam-ai/talktime/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, account.ErrInvalidEmail),
		errors.Is(err, queue.ErrEmptyKind),
		errors.Is(err, payments.ErrMissingFields),
		errors.Is(err, payments.ErrInvalidSignature),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, errNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, session.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, meter.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, meter.ErrSessionLocked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status. Internal errors are not
// echoed to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zapRequest(r, err)...)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

var errBadRequest = errors.New("invalid request body")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

// maxBodyBytes bounds request bodies; transcripts are the largest.
const maxBodyBytes = 1 << 20
