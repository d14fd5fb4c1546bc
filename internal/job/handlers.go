package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sablesocial/sable/internal/federation"
)

// Job kinds handled by the federation core.
const (
	KindDeliver      = "deliver"
	KindRefreshActor = "refresh-actor"
	KindFetchObject  = "fetch-object"
)

// DeliverPayload asks for an activity to be posted to a remote inbox.
type DeliverPayload struct {
	InboxURI string          `json:"inbox_uri"`
	Activity json.RawMessage `json:"activity"`
}

// RefreshActorPayload asks for a remote actor to be re-fetched.
type RefreshActorPayload struct {
	ActorURI string `json:"actor_uri"`
}

// FetchObjectPayload asks for a remote object to be fetched, typically to
// warm the cache after a relay announcement.
type FetchObjectPayload struct {
	ObjectURI string `json:"object_uri"`
}

// NewDeliverHandler returns the handler for deliver jobs. Rejected
// deliveries are permanent; transport failures retry.
func NewDeliverHandler(d *federation.Deliverer) HandlerFunc {
	return func(ctx context.Context, j *Job) error {
		var payload DeliverPayload
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("decode deliver payload: %w", err))
		}
		if payload.InboxURI == "" || len(payload.Activity) == 0 {
			return Permanent(fmt.Errorf("deliver payload missing inbox or activity"))
		}

		err := d.Deliver(ctx, payload.InboxURI, payload.Activity)
		if errors.Is(err, federation.ErrDeliveryRejected) {
			return Permanent(err)
		}
		return err
	}
}

// NewFetchObjectHandler returns the handler for fetch-object jobs.
func NewFetchObjectHandler(f *federation.Fetcher) HandlerFunc {
	return func(ctx context.Context, j *Job) error {
		var payload FetchObjectPayload
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("decode fetch-object payload: %w", err))
		}
		if payload.ObjectURI == "" {
			return Permanent(fmt.Errorf("fetch-object payload missing object uri"))
		}

		_, err := f.FetchObject(ctx, payload.ObjectURI)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, federation.ErrNotFound),
			errors.Is(err, federation.ErrInvalidResponse),
			errors.Is(err, federation.ErrUntrusted),
			errors.Is(err, federation.ErrRejectedURL):
			return Permanent(err)
		default:
			return err
		}
	}
}

// NewRefreshActorHandler returns the handler for refresh-actor jobs.
// Protocol-level failures are permanent; network failures retry.
func NewRefreshActorHandler(f *federation.Fetcher) HandlerFunc {
	return func(ctx context.Context, j *Job) error {
		var payload RefreshActorPayload
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("decode refresh-actor payload: %w", err))
		}
		if payload.ActorURI == "" {
			return Permanent(fmt.Errorf("refresh-actor payload missing actor uri"))
		}

		_, err := f.RefreshActor(ctx, payload.ActorURI)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, federation.ErrNotFound),
			errors.Is(err, federation.ErrInvalidResponse),
			errors.Is(err, federation.ErrUntrusted),
			errors.Is(err, federation.ErrRejectedURL):
			return Permanent(err)
		default:
			return err
		}
	}
}
