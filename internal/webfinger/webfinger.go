// Package webfinger resolves user@domain identifiers to canonical actor URIs
// via each domain's well-known discovery endpoint.
package webfinger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sablesocial/sable/internal/cache"
	"github.com/sablesocial/sable/internal/metrics"
)

var (
	// ErrInvalidIdentifier means the input is not of the form user@domain.
	ErrInvalidIdentifier = errors.New("webfinger: invalid identifier")

	// ErrDomainUnreachable means the discovery request could not complete.
	ErrDomainUnreachable = errors.New("webfinger: domain unreachable")

	// ErrNoSelfLink means the descriptor carried no acceptable profile link,
	// or the link pointed outside the requested domain.
	ErrNoSelfLink = errors.New("webfinger: no self link")
)

// identifierPattern accepts user@domain, where domain may carry a port.
var identifierPattern = regexp.MustCompile(`^([a-z0-9_]+(?:[a-z0-9_.-]*[a-z0-9_]+)?)@([a-z0-9-]+(?:\.[a-z0-9-]+)*(?::\d+)?)$`)

// activityTypes are the media types accepted for the self link.
var activityTypes = map[string]bool{
	"application/activity+json": true,
	`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`: true,
}

const responseLimit = 64 << 10 // descriptors are tiny; cap reads defensively

// Config holds resolver tunables.
type Config struct {
	// TTL is how long resolved identities are cached.
	TTL time.Duration

	// AllowInsecure permits plain http discovery requests. Development only.
	AllowInsecure bool
}

// Resolver resolves account identifiers through webfinger discovery.
type Resolver struct {
	cfg     Config
	store   cache.Store
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Resolver. The http client's timeout bounds each discovery
// request.
func New(cfg Config, store cache.Store, client *http.Client, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:     cfg,
		store:   store,
		client:  client,
		metrics: m,
		logger:  logger,
	}
}

// Parse splits an identifier into user and domain parts. A leading @ is
// accepted and stripped.
func Parse(identifier string) (user, domain string, err error) {
	trimmed := strings.TrimPrefix(identifier, "@")
	match := identifierPattern.FindStringSubmatch(strings.ToLower(trimmed))
	if match == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	return match[1], match[2], nil
}

// Resolve maps user@domain to the actor's canonical URI.
//
// The resolved URI's host must match the requested domain; a descriptor
// pointing elsewhere is rejected as ErrNoSelfLink so a malicious server
// cannot impersonate accounts on another domain.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	user, domain, err := Parse(identifier)
	if err != nil {
		return "", err
	}
	acct := user + "@" + domain

	cacheKey := "webfinger:" + acct
	if cached, ok, err := r.store.Get(ctx, cacheKey); err != nil {
		r.logger.Warn("webfinger cache read failed", "identifier", acct, "error", err)
	} else if ok {
		r.metrics.ResolveTotal.WithLabelValues("cache_hit").Inc()
		return string(cached), nil
	}

	actorURI, err := r.discover(ctx, acct, domain)
	if err != nil {
		r.metrics.ResolveTotal.WithLabelValues(resultLabel(err)).Inc()
		return "", err
	}
	r.metrics.ResolveTotal.WithLabelValues("ok").Inc()

	if err := r.store.Set(ctx, cacheKey, []byte(actorURI), r.cfg.TTL); err != nil {
		r.logger.Warn("webfinger cache write failed", "identifier", acct, "error", err)
	}

	return actorURI, nil
}

func (r *Resolver) discover(ctx context.Context, acct, domain string) (string, error) {
	scheme := "https"
	if r.cfg.AllowInsecure {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		scheme, domain, url.QueryEscape("acct:"+acct))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDomainUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", fmt.Errorf("%w: account %s unknown to %s", ErrNoSelfLink, acct, domain)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: %s returned status %d", ErrDomainUnreachable, domain, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return "", fmt.Errorf("%w: read descriptor: %v", ErrDomainUnreachable, err)
	}

	var descriptor struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &descriptor); err != nil {
		return "", fmt.Errorf("%w: malformed descriptor from %s", ErrNoSelfLink, domain)
	}

	for _, link := range descriptor.Links {
		if link.Rel != "self" || !activityTypes[link.Type] || link.Href == "" {
			continue
		}

		href, err := url.Parse(link.Href)
		if err != nil {
			continue
		}
		if !strings.EqualFold(href.Host, domain) {
			return "", fmt.Errorf("%w: self link %s points outside %s", ErrNoSelfLink, link.Href, domain)
		}
		return link.Href, nil
	}

	return "", fmt.Errorf("%w: descriptor for %s has no activity self link", ErrNoSelfLink, acct)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoSelfLink):
		return "no_self_link"
	case errors.Is(err, ErrDomainUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
