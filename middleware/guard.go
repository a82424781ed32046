package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/stepauth/stepauth"
)

type authResultContextKey struct{}

// SessionFromContext returns the validated session placed on the request
// context by [RequireSession].
func SessionFromContext(ctx context.Context) (*stepauth.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*stepauth.AuthResult)
	return res, ok
}

// RequireSession wraps an http.Handler and rejects requests that do not
// carry a valid bearer access token. On success the validated
// [stepauth.AuthResult] is attached to the request context.
func RequireSession(engine *stepauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := engine.Validate(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
