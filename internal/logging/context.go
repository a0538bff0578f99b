package logging

import "context"

type commandIDKey struct{}

// WithCommandID tags ctx so events emitted further down can be correlated with
// the command that caused them.
func WithCommandID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, id)
}

func CommandIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(commandIDKey{}).(string)
	return id
}
