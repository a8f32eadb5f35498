package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidSession = errors.New("invalid session")

// SessionVerifier resolves an end-user bearer token to a user ID.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (uuid.UUID, error)
}

// StaticTokens is a SessionVerifier backed by a fixed token to user map,
// loaded from USER_TOKENS.
type StaticTokens map[string]uuid.UUID

func (s StaticTokens) Verify(_ context.Context, token string) (uuid.UUID, error) {
	for candidate, userID := range s {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return uuid.Nil, ErrInvalidSession
}

// principal is the authenticated caller of a request.
type principal struct {
	Worker bool
	UserID uuid.UUID // zero for the worker
}

type authMode int

const (
	authUser authMode = iota
	authWorker
	authUserOrWorker
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// authenticate checks the bearer credential against mode. The worker token
// is compared in constant time before any session lookup.
func (h *Handler) authenticate(r *http.Request, mode authMode) (principal, bool) {
	token := bearerToken(r)
	if token == "" {
		return principal{}, false
	}

	if mode != authUser && h.workerToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(h.workerToken)) == 1 {
		return principal{Worker: true}, true
	}
	if mode == authWorker || h.sessions == nil {
		return principal{}, false
	}

	userID, err := h.sessions.Verify(r.Context(), token)
	if err != nil || userID == uuid.Nil {
		return principal{}, false
	}
	return principal{UserID: userID}, true
}

// clientIdentifier keys rate limiting. It runs before authentication, so an
// unverified credential must not pick the bucket: every request from one
// address shares it.
func clientIdentifier(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
