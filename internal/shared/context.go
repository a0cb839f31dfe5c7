package shared

import (
	"context"
	"strings"
)

// SystemActor is recorded when a change has no caller identity, e.g. jobs.
const SystemActor = "system"

type actorContextKey struct{}

// ContextWithActor stores the identity of the caller in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the caller identity, falling back to SystemActor.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey{}).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}
