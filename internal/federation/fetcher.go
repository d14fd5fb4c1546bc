// Package federation retrieves and delivers ActivityPub objects across
// domains: signed fetches with caching and request coalescing, and signed
// inbox delivery.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sablesocial/sable/internal/cache"
	"github.com/sablesocial/sable/internal/domain"
	"github.com/sablesocial/sable/internal/metrics"
)

var (
	// ErrNotFound means the remote reported the object gone. Terminal for
	// this URI; cached briefly as a tombstone.
	ErrNotFound = errors.New("federation: object not found")

	// ErrInvalidResponse means the remote answered with a payload we could
	// not accept. Not retryable.
	ErrInvalidResponse = errors.New("federation: invalid response")

	// ErrUntrusted means the payload failed the origin check. It is dropped
	// and never cached.
	ErrUntrusted = errors.New("federation: untrusted response")

	// ErrRemoteUnavailable means the remote is up but refusing work (5xx,
	// rate limiting). Retryable by the caller.
	ErrRemoteUnavailable = errors.New("federation: remote unavailable")
)

const (
	acceptHeader  = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxObjectSize = 1 << 20
)

// actorTypes are the ActivityPub types FetchActor accepts.
var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// cachedObject is the cache representation of a fetch result. NotFound marks
// a negative entry.
type cachedObject struct {
	NotFound  bool            `json:"not_found,omitempty"`
	URI       string          `json:"uri,omitempty"`
	Type      string          `json:"type,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Config holds fetcher tunables.
type Config struct {
	// Policy gates which URIs may be dialed.
	Policy Policy

	// CacheTTL is how long fetched objects are cached.
	CacheTTL time.Duration

	// NegativeTTL is how long a not-found tombstone is cached.
	NegativeTTL time.Duration
}

// Fetcher retrieves remote federation objects with caching and coalescing.
// Concurrent fetches of the same URI share one network round trip, and an
// abandoning caller never cancels the shared flight.
type Fetcher struct {
	cfg     Config
	store   cache.Store
	client  *http.Client
	signer  *Signer
	actors  domain.ActorRepository
	flights singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher. signer may be nil to send unsigned requests
// (some servers will refuse them). actors may be nil to skip persistence of
// refreshed actors.
func NewFetcher(cfg Config, store cache.Store, client *http.Client, signer *Signer, actors domain.ActorRepository, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		cfg:     cfg,
		store:   store,
		client:  client,
		signer:  signer,
		actors:  actors,
		metrics: m,
		logger:  logger,
	}
}

// FetchObject retrieves the object at uri, from cache when possible.
func (f *Fetcher) FetchObject(ctx context.Context, uri string) (*domain.RemoteObject, error) {
	if _, err := f.cfg.Policy.Validate(uri); err != nil {
		f.metrics.FetchTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	cacheKey := "object:" + uri
	if obj, ok := f.cacheLookup(ctx, cacheKey); ok {
		if obj.NotFound {
			return nil, fmt.Errorf("%w: %s (cached)", ErrNotFound, uri)
		}
		return &domain.RemoteObject{URI: obj.URI, Type: obj.Type, Raw: obj.Raw, FetchedAt: obj.FetchedAt}, nil
	}

	ch := f.flights.DoChan(uri, func() (any, error) {
		// Deliberately not the caller's context: the flight is shared, so
		// one caller's cancellation must not starve the others.
		return f.fetchRemote(uri, cacheKey)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", uri, ctx.Err())
	case res := <-ch:
		if res.Shared {
			f.metrics.FetchCoalesced.Inc()
		}
		if res.Err != nil {
			f.metrics.FetchTotal.WithLabelValues(fetchResultLabel(res.Err)).Inc()
			return nil, res.Err
		}
		f.metrics.FetchTotal.WithLabelValues("ok").Inc()
		return res.Val.(*domain.RemoteObject), nil
	}
}

// FetchActor retrieves an actor document and maps it to a RemoteActor. When
// an actor repository is configured the refreshed record is persisted
// best-effort.
func (f *Fetcher) FetchActor(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	obj, err := f.FetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}

	actor, err := parseActor(obj)
	if err != nil {
		return nil, err
	}

	if f.actors != nil {
		if err := f.actors.SaveActor(ctx, actor); err != nil {
			f.logger.Warn("actor persistence failed", "uri", actor.URI, "error", err)
		}
	}
	return actor, nil
}

// RefreshActor drops any cached copy and re-fetches the actor.
func (f *Fetcher) RefreshActor(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	if err := f.store.Delete(ctx, "object:"+uri); err != nil {
		f.logger.Warn("cache invalidation failed", "uri", uri, "error", err)
	}
	return f.FetchActor(ctx, uri)
}

func (f *Fetcher) cacheLookup(ctx context.Context, key string) (*cachedObject, bool) {
	raw, ok, err := f.store.Get(ctx, key)
	if err != nil {
		f.logger.Warn("object cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var obj cachedObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		// Corrupt entry; drop it and fall through to a network fetch.
		_ = f.store.Delete(ctx, key)
		return nil, false
	}
	return &obj, true
}

// fetchRemote performs the single network round trip behind a flight. The
// request is bounded by the http client's timeout, not by any one caller.
func (f *Fetcher) fetchRemote(uri, cacheKey string) (*domain.RemoteObject, error) {
	var (
		resp *http.Response
		err  error
	)
	// One internal retry for transient transport errors. Terminal errors
	// (HTTP statuses) are never retried here.
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = f.doRequest(uri)
		if err == nil {
			break
		}
		f.logger.Debug("fetch attempt failed", "uri", uri, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		f.cacheStore(cacheKey, &cachedObject{NotFound: true, FetchedAt: time.Now().UTC()}, f.cfg.NegativeTTL)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteUnavailable, uri, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrInvalidResponse, uri, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/activity+json") && !strings.Contains(contentType, "application/ld+json") {
		return nil, fmt.Errorf("%w: unexpected content type %q from %s", ErrInvalidResponse, contentType, uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", uri, err)
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ID == "" {
		return nil, fmt.Errorf("%w: malformed payload from %s", ErrInvalidResponse, uri)
	}

	// Origin check: the payload's id must live on the host we asked. A
	// mismatch means the response cannot be trusted and is never cached.
	if !sameOrigin(envelope.ID, uri) {
		return nil, fmt.Errorf("%w: payload id %s does not match origin of %s", ErrUntrusted, envelope.ID, uri)
	}

	now := time.Now().UTC()
	obj := &cachedObject{URI: envelope.ID, Type: envelope.Type, Raw: body, FetchedAt: now}
	f.cacheStore(cacheKey, obj, f.cfg.CacheTTL)

	return &domain.RemoteObject{URI: envelope.ID, Type: envelope.Type, Raw: body, FetchedAt: now}, nil
}

func (f *Fetcher) doRequest(uri string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", "sable")

	if f.signer != nil {
		if err := f.signer.Sign(req, nil); err != nil {
			return nil, err
		}
	}
	return f.client.Do(req)
}

// cacheStore writes best-effort; a failing cache never fails the fetch.
func (f *Fetcher) cacheStore(key string, obj *cachedObject, ttl time.Duration) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.Set(ctx, key, raw, ttl); err != nil {
		f.logger.Warn("object cache write failed", "key", key, "error", err)
	}
}

func parseActor(obj *domain.RemoteObject) (*domain.RemoteActor, error) {
	if !actorTypes[obj.Type] {
		return nil, fmt.Errorf("%w: %s is a %s, not an actor", ErrInvalidResponse, obj.URI, obj.Type)
	}

	var doc struct {
		PreferredUsername string `json:"preferredUsername"`
		Name              string `json:"name"`
		Inbox             string `json:"inbox"`
		Outbox            string `json:"outbox"`
		PublicKey         struct {
			PublicKeyPEM string `json:"publicKeyPem"`
		} `json:"publicKey"`
	}
	if err := json.Unmarshal(obj.Raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed actor %s", ErrInvalidResponse, obj.URI)
	}
	if doc.PreferredUsername == "" || doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor %s missing preferredUsername or inbox", ErrInvalidResponse, obj.URI)
	}

	return &domain.RemoteActor{
		URI:          obj.URI,
		Username:     doc.PreferredUsername,
		DisplayName:  doc.Name,
		Domain:       hostOf(obj.URI),
		PublicKeyPEM: doc.PublicKey.PublicKeyPEM,
		InboxURI:     doc.Inbox,
		OutboxURI:    doc.Outbox,
		FetchedAt:    obj.FetchedAt,
	}, nil
}

func fetchResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid"
	case errors.Is(err, ErrUntrusted):
		return "untrusted"
	case errors.Is(err, ErrRemoteUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
