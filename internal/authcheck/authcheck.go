// Package authcheck implements the single bearer-token check shared by
// every HTTP surface the sync core exposes (SSE and JSON-RPC alike),
// so auth enforcement can never drift between the two.
package authcheck

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Bearer reports whether r carries "Authorization: Bearer <token>"
// matching token. An empty token disables enforcement entirely —
// intended for local/loopback development only, per the config
// contract — and always returns true.
func Bearer(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
