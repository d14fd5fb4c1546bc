package domain

import "context"

// ActorRepository defines persistence operations for remote actors. The
// durable store itself is an external collaborator; the federation core only
// writes refreshed actors through this port.
type ActorRepository interface {
	// SaveActor inserts or updates an actor keyed by its URI.
	SaveActor(ctx context.Context, actor *RemoteActor) error

	// GetActorByURI retrieves an actor by its canonical id. Returns
	// (nil, nil) when the actor is unknown.
	GetActorByURI(ctx context.Context, uri string) (*RemoteActor, error)
}
