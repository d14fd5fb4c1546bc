package domain

import (
	"encoding/json"
	"time"
)

// RemoteObject is a federation protocol object fetched from another server.
// It is transient: the fetcher owns it until a collaborator persists it.
type RemoteObject struct {
	// URI is the object's canonical id.
	URI string

	// Type is the ActivityPub type tag (e.g. "Note", "Person").
	Type string

	// Raw is the structured payload as received, after validation.
	Raw json.RawMessage

	// FetchedAt is when the object was retrieved.
	FetchedAt time.Time
}
