package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/diagnosis/wa-relay/internal/http/response"
	"github.com/diagnosis/wa-relay/pkg/auth"
	"github.com/diagnosis/wa-relay/pkg/logger"
)

// RequireAPIKey accepts X-API-Key or an Authorization bearer value matching
// apiKey, or a bearer service token signed with jwtSecret. With neither
// configured every request passes.
func RequireAPIKey(apiKey, jwtSecret string) func(http.Handler) http.Handler {
	if apiKey == "" && jwtSecret == "" {
		logger.Warn("API authentication disabled: neither API_KEY nor JWT_SECRET is set")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := credentialFrom(r)
			if credential == "" {
				response.Unauthorized(w, "API key required")
				return
			}

			if apiKey != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(apiKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			if jwtSecret != "" && strings.Count(credential, ".") == 2 {
				claims, err := auth.ParseService(credential, jwtSecret)
				if err == nil {
					ctx := context.WithValue(r.Context(), logger.CallerKey, claims.Service)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				logger.WarnContext(r.Context(), "Rejected service token", "error", err)
			}

			response.Forbidden(w, "Invalid API key")
		})
	}
}

func credentialFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

