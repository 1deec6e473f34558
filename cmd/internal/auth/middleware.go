package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware verifies the Authorization header and stores the user id in the
// request context. Requests without a valid token are rejected with 401.
func Middleware(log *slog.Logger, v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := verifyRequest(v, r)
			if err != nil {
				log.Info("auth.reject", "path", r.URL.Path, "err", err)
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// FromRequest verifies request credentials without rejecting, for surfaces
// like the websocket upgrade where a missing token is not fatal (the client
// can still authenticate over the wire with a hello frame).
func FromRequest(v *Verifier, r *http.Request) (string, bool) {
	userID, err := verifyRequest(v, r)
	return userID, err == nil
}

func verifyRequest(v *Verifier, r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		// Browsers cannot set headers on websocket upgrades, so a token
		// query parameter is accepted there as a fallback.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return v.Verify(token)
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": "unauthorized", "message": "missing or invalid token"},
	})
}
