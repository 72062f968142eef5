// Package requestid carries the per-request correlation id that ties access
// logs, error envelopes and auth-denial audit entries together.
package requestid

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

// maxLen bounds caller-supplied ids so they cannot bloat log lines or
// audit payloads.
const maxLen = 128

func New() string {
	return uuid.NewString()
}

// Valid reports whether a caller-supplied id can be echoed back. Only
// printable ASCII without spaces or quotes is accepted.
func Valid(id string) bool {
	if id == "" || len(id) > maxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}

// Resolve returns the inbound id when it is valid and a fresh one otherwise.
func Resolve(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(Header)); Valid(id) {
		return id
	}
	return New()
}

type ctxKey struct{}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// FromRequest prefers the id stored by the middleware and falls back to the
// header for handlers mounted without it.
func FromRequest(r *http.Request) string {
	if id, ok := FromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get(Header))
}
