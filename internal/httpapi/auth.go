package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rpki-io/krillgo/internal/apperr"
)

type ctxKey string

const ctxSubjectKey ctxKey = "httpapi.subject"

// publicPaths never require a bearer token: health/metrics for operators,
// and the RFC 8182 RRDP/rsync-equivalent read surface, which RPKI relying
// parties fetch anonymously over plain HTTP.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/rrdp/")
}

// Claims is the JWT payload an admin bearer token carries: just a
// subject, matching the single-operator-role model spec.md §6 assumes.
type Claims struct {
	jwt.RegisteredClaims
}

// authMiddleware validates every non-public request's Authorization
// header as a JWT signed with secret, HMAC-only (no "alg":"none"
// downgrade), and stashes the verified subject in the request context.
func authMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, apperr.Unauthorized("missing bearer token"))
				return
			}
			claims := &Claims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, apperr.Unauthorized("unexpected signing method")
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				writeError(w, apperr.Unauthorized("invalid or expired token"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authSubject(ctx context.Context) string {
	s, _ := ctx.Value(ctxSubjectKey).(string)
	return s
}
