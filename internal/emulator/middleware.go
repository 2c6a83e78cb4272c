package emulator

import (
	"context"
	"net/http"
	"strings"

	"github.com/serroba/docsync/internal/remote"
)

const (
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
)

type userKey struct{}

// requestUser returns the uid the request was authenticated as, or "" for
// the unauthenticated user.
func requestUser(r *http.Request) string {
	uid, _ := r.Context().Value(userKey{}).(string)

	return uid
}

// authMiddleware takes the user ID from a bearer token and adds it to the
// request context. The emulator trusts the token: its value is the uid.
// Requests without a token run as the unauthenticated user.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(headerAuthorization)
		if header == "" {
			next.ServeHTTP(w, r)

			return
		}

		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || token == "" {
			s.writeError(w, remote.NewError(remote.Unauthenticated, "malformed authorization header"))

			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, token)))
	})
}
