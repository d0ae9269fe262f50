package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/identity"
)

// Authenticator resolves a raw API key to the sponsor behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*core.Sponsor, error)
}

// APIKeyAuth guards the management surface. Keys arrive in X-API-Key
// or as a bearer token; the resolved sponsor rides the request context
// from here on.
func APIKeyAuth(auth Authenticator) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[Auth] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sponsor, err := auth.Authenticate(r.Context(), apiKeyFrom(r))
			if err != nil {
				if !errors.Is(err, identity.ErrBadCredentials) {
					logger.Printf("⚠️ auth backend error: %v", err)
					writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE",
						"Authentication backend unavailable")
					return
				}
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSponsor(r.Context(), sponsor)))
		})
	}
}

// WithSponsor attaches an authenticated sponsor to the context.
func WithSponsor(ctx context.Context, s *core.Sponsor) context.Context {
	return context.WithValue(ctx, sponsorKey, s)
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return ""
}

// SponsorFrom returns the authenticated sponsor, if any.
func SponsorFrom(ctx context.Context) (*core.Sponsor, bool) {
	s, ok := ctx.Value(sponsorKey).(*core.Sponsor)
	return s, ok
}
