package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/exparo/exparo/internal/auth"
	"github.com/exparo/exparo/internal/store"
)

type ctxKey int

const (
	ctxKeyProject ctxKey = iota
	ctxKeyClaims
)

// projectFrom returns the project authenticated by API key middleware.
func projectFrom(ctx context.Context) store.Project {
	p, _ := ctx.Value(ctxKeyProject).(store.Project)
	return p
}

// claimsFrom returns the admin claims set by JWT middleware.
func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return c
}

// apiKeyAuth resolves the project from the X-API-Key header or api_key
// query parameter and stores it in the request context.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" {
			UnauthorizedError(w, r, ErrCodeInvalidAPIKey, "missing API key")
			return
		}
		project, err := s.store.GetProjectByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				UnauthorizedError(w, r, ErrCodeInvalidAPIKey, "invalid API key")
				return
			}
			InternalError(w, r, "internal error")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyProject, project)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jwtAuth verifies the Authorization bearer token and stores the admin
// claims in the request context.
func (s *Server) jwtAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			UnauthorizedError(w, r, ErrCodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			UnauthorizedError(w, r, ErrCodeUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
