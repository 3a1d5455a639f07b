package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/splax/permadeploy/pkg/jwt"
)

func (r *Router) authEnabled() bool {
	return strings.TrimSpace(r.opts.AuthSecret) != ""
}

// ensureAuth validates the Authorization header and returns the token claims.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (*jwt.Claims, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	claims, err := jwt.Parse(token, r.opts.AuthSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	return claims, true
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
