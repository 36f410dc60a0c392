package campaign

import "context"

type actorKey struct{}

// SystemActor is recorded for transitions made by background workers.
const SystemActor = "system"

// WithActor attaches the acting operator to ctx for the audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting operator, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}
