package lexcase

import "context"

type ctxKey string

const (
	ctxKeyUser      ctxKey = "lexcase_user"
	ctxKeyRequestID ctxKey = "lexcase_request_id"
)

// WithUser stores the authenticated identity snapshot in the context.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKeyUser, u)
}

// UserFromContext extracts the authenticated identity from the context.
func UserFromContext(ctx context.Context) *User {
	v, _ := ctx.Value(ctxKeyUser).(*User)
	return v
}

// WithRequestID stores a correlation ID in the context. The request pipeline
// forwards it as X-Request-ID instead of minting a fresh one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the correlation ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}
