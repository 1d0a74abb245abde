package middleware

import (
	"net/http"
	"strings"

	"github.com/opserve/errlog/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const clientPrefixLen = 8

// Auth validates the ingest bearer token against a bcrypt hash from
// configuration. An empty hash disables authentication.
type Auth struct {
	tokenHash string
}

// NewAuth creates the Auth middleware.
func NewAuth(tokenHash string) *Auth {
	return &Auth{tokenHash: tokenHash}
}

// Authenticate validates the Bearer token and tags the request context
// with a client identifier for rate limiting.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		rawToken := extractBearerToken(r)
		if rawToken == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(a.tokenHash), []byte(rawToken)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid ingest token", nil)
			return
		}

		client := rawToken
		if len(client) > clientPrefixLen {
			client = client[:clientPrefixLen]
		}
		next.ServeHTTP(w, r.WithContext(setClientID(r.Context(), client)))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
