package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/aceteam-ai/talktime/internal/account"
)

// UserHeader carries the authenticated user's email, set by the auth proxy
// in front of the API.
const UserHeader = "X-User-Email"

var errNoIdentity = errors.New("missing user identity")

// IdentityResolver returns the email of the user making r.
type IdentityResolver func(r *http.Request) (string, error)

// HeaderIdentity reads the user from UserHeader.
func HeaderIdentity(r *http.Request) (string, error) {
	v := r.Header.Get(UserHeader)
	if v == "" {
		return "", errNoIdentity
	}
	return account.NormalizeEmail(v)
}

type userCtxKey struct{}

func userFrom(ctx context.Context) string {
	email, _ := ctx.Value(userCtxKey{}).(string)
	return email
}

// UserFromContext returns the user resolved for the request, if any.
func UserFromContext(ctx context.Context) string {
	return userFrom(ctx)
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := s.opts.Identity(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userCtxKey{}, email)))
	})
}
