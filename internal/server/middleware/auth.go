// Package middleware holds the HTTP wrappers of the command surface: API key
// authentication, per-client rate limiting, request logging and CORS.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// Auth rejects requests that do not carry apiKey as a bearer token or in the
// X-API-Key header. An empty apiKey disables the check; Validate refuses that
// combination when real orders are enabled.
func Auth(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := apiToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				logger.WarnContext(r.Context(), "command rejected",
					slog.String("path", r.URL.Path),
					slog.String("client_ip", ClientIP(r)),
					slog.Bool("token_present", token != ""),
				)
				writeJSONError(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func apiToken(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
