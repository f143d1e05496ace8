package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

type actorKey struct{}

// ActorFrom returns the operator name OperatorAuth verified for the request.
func ActorFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(actorKey{}).(string)
	return name, ok
}

type operatorToken struct {
	name   string
	digest [sha256.Size]byte
}

// OperatorAuth admits requests carrying "Authorization: Bearer <token>" for
// one of tokens, keyed by operator name. The matched name is the actor
// recorded on pause changes. With no tokens every request is refused.
func OperatorAuth(tokens map[string]string) func(http.Handler) http.Handler {
	known := make([]operatorToken, 0, len(tokens))
	for name, token := range tokens {
		known = append(known, operatorToken{name: name, digest: sha256.Sum256([]byte(token))})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				unauthenticated(w, "missing operator token")
				return
			}
			digest := sha256.Sum256([]byte(strings.TrimSpace(raw)))

			// Compare against every entry so timing does not reveal which matched.
			matched := ""
			for _, tok := range known {
				if subtle.ConstantTimeCompare(digest[:], tok.digest[:]) == 1 {
					matched = tok.name
				}
			}
			if matched == "" {
				unauthenticated(w, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, matched)))
		})
	}
}

func unauthenticated(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentqueue"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg})
}
