package domain

import "time"

// RemoteActor is a federated account fetched from another server.
type RemoteActor struct {
	// URI is the canonical ActivityPub id of the actor.
	URI string

	// Username is the preferred username on the actor's home server.
	Username string

	// DisplayName is the human-readable name, may be empty.
	DisplayName string

	// Domain is the actor's home domain, derived from the URI host.
	Domain string

	// PublicKeyPEM is the actor's signing key in PEM form, used to verify
	// activities attributed to it.
	PublicKeyPEM string

	// InboxURI is where activities addressed to this actor are delivered.
	InboxURI string

	// OutboxURI is the actor's outbox collection, may be empty.
	OutboxURI string

	// FetchedAt is when this record was last retrieved from the remote.
	FetchedAt time.Time
}

// Handle returns the user@domain form of the actor.
func (a *RemoteActor) Handle() string {
	return a.Username + "@" + a.Domain
}
