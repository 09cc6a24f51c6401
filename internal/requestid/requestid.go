// Package requestid tags status API calls with an ID that follows the call
// into log entries.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header carries the request ID on HTTP requests and responses.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID stores id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the ID stored on ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Accept keeps a caller-supplied ID when it parses as a UUID and otherwise
// mints a fresh one.
func Accept(ctx context.Context, incoming string) (context.Context, string) {
	id := incoming
	if _, err := uuid.Parse(incoming); err != nil {
		id = uuid.NewString()
	}
	return WithRequestID(ctx, id), id
}

// Fields adds the request ID from ctx to a log data map. data may be nil.
func Fields(ctx context.Context, data map[string]any) map[string]any {
	id, ok := FromContext(ctx)
	if !ok {
		return data
	}
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["request_id"] = id
	return data
}
