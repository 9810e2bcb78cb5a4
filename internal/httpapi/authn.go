package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ifmis.org/internal/audit"
	"ifmis.org/internal/signer"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// TokenVerifier validates an access token and returns its claims.
type TokenVerifier interface {
	ParseAndValidate(token string) (jwt.MapClaims, error)
}

type subjectKey struct{}

// publicPaths need no bearer token: probes, metrics and the endpoints a
// caller uses before having any token.
var publicPaths = []string{
	"/connect/token",
	"/api/account/register",
	"/api/users/forgot-password",
	"/api/users/reset-password",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.verifier.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, signer.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		subject, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		ctx = audit.WithActor(ctx, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// subjectFromContext returns the authenticated user ID, or "" on public
// paths.
func subjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
