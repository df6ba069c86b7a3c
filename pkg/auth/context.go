package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	tokenContextKey contextKey = iota
	clientAddressContextKey
)

// WithToken adds a delegation token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves a delegation token from the context.
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey).(string); ok {
		return token
	}
	return ""
}

// WithClientAddress records the caller's network address.
func WithClientAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddressContextKey, addr)
}

// GetClientAddress returns the caller's network address, or "" when the
// transport has none.
func GetClientAddress(ctx context.Context) string {
	if addr, ok := ctx.Value(clientAddressContextKey).(string); ok {
		return addr
	}
	return ""
}
