package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

type contextKey string

const invocationKey contextKey = "invocation"

// Headers read into the invocation context. Any other X-Cognigraph-<Name>
// header becomes Values[<name>] (lowercased).
const (
	HeaderUserID   = "X-User-Id"
	HeaderThreadID = "X-Thread-Id"
	valuePrefix    = "X-Cognigraph-"
)

// InvocationExtractor builds the per-request models.InvocationContext from
// headers, falling back to the user_id and thread_id query parameters.
func InvocationExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ic := models.InvocationContext{
			UserID:   firstNonEmpty(r.Header.Get(HeaderUserID), r.URL.Query().Get("user_id")),
			ThreadID: firstNonEmpty(r.Header.Get(HeaderThreadID), r.URL.Query().Get("thread_id")),
		}
		for name, vals := range r.Header {
			if len(vals) == 0 || !strings.HasPrefix(name, valuePrefix) {
				continue
			}
			if ic.Values == nil {
				ic.Values = make(map[string]string)
			}
			ic.Values[strings.ToLower(strings.TrimPrefix(name, valuePrefix))] = vals[0]
		}
		next.ServeHTTP(w, r.WithContext(WithInvocation(r.Context(), ic)))
	})
}

// WithInvocation stores ic in ctx.
func WithInvocation(ctx context.Context, ic models.InvocationContext) context.Context {
	return context.WithValue(ctx, invocationKey, ic)
}

// GetInvocation retrieves the invocation context, or the zero value.
func GetInvocation(ctx context.Context) models.InvocationContext {
	ic, _ := ctx.Value(invocationKey).(models.InvocationContext)
	return ic
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
