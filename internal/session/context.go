package session

import "context"

type clientIDKey struct{}

func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// FromContext returns the client identity bound to the request, if any.
func FromContext(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(clientIDKey{}).(string)
	return clientID, ok && clientID != ""
}
