package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin checks the bearer token against the configured bcrypt hash.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.adminHash) == 0 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: "admin endpoints are disabled"})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		if err := bcrypt.CompareHashAndPassword(h.adminHash, []byte(token)); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashToken returns the bcrypt hash to put in LEARN_ADMIN_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
