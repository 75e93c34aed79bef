package shared

import "context"

// ActorRole identifies the kind of caller performing an operation.
type ActorRole string

const (
	RoleAdmin    ActorRole = "admin"
	RoleMechanic ActorRole = "mechanic"
	RoleCustomer ActorRole = "customer"
)

// Actor describes the authenticated caller. Authentication itself is an
// external collaborator; the engine only consumes its result.
type Actor struct {
	ID   string
	Role ActorRole
	Name string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
