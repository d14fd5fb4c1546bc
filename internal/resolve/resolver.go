// Package resolve turns raw post text into a ResolvedPost: mentions are
// resolved against the fediverse, links collected, failures kept literal.
package resolve

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sablesocial/sable/internal/domain"
)

// mentionPattern matches @user@domain tokens. The leading group keeps the
// token from matching inside a word or email address.
var mentionPattern = regexp.MustCompile(
	`(?i)(?:^|[^[:alnum:]@])(@([a-z0-9_]+(?:[a-z0-9_.-]*[a-z0-9_]+)?@[a-z0-9-]+(?:\.[a-z0-9-]+)*(?::\d+)?))`)

// linkPattern matches bare http(s) links. Trailing punctuation that usually
// ends a sentence rather than a URL is excluded.
var linkPattern = regexp.MustCompile(`https?://[^\s<>"'\)\],]+`)

// IdentityResolver maps user@domain identifiers to actor URIs.
type IdentityResolver interface {
	Resolve(ctx context.Context, identifier string) (string, error)
}

// ActorFetcher retrieves remote actor profiles.
type ActorFetcher interface {
	FetchActor(ctx context.Context, uri string) (*domain.RemoteActor, error)
}

// Config holds resolver tunables.
type Config struct {
	// Timeout bounds resolving all mentions of one post.
	Timeout time.Duration

	// Parallelism caps concurrent identifier resolutions.
	Parallelism int
}

// PostResolver scans post text and resolves its mentions.
type PostResolver struct {
	cfg      Config
	identity IdentityResolver
	fetcher  ActorFetcher
	logger   *slog.Logger
}

// NewPostResolver creates a PostResolver.
func NewPostResolver(cfg Config, identity IdentityResolver, fetcher ActorFetcher, logger *slog.Logger) *PostResolver {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &PostResolver{cfg: cfg, identity: identity, fetcher: fetcher, logger: logger}
}

// Resolve scans text for mentions and links and resolves each unique
// mention through identity discovery and an actor fetch.
//
// A single mention's failure never fails the call: the span stays literal.
// The whole call finishes within the configured timeout even when remote
// domains hang.
func (r *PostResolver) Resolve(ctx context.Context, text string) (*domain.ResolvedPost, error) {
	spans := scanMentions(text)

	unique := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		unique[s.Identifier] = struct{}{}
	}

	resolved := r.resolveIdentifiers(ctx, unique)

	for i := range spans {
		if uri, ok := resolved[spans[i].Identifier]; ok {
			spans[i].Resolved = true
			spans[i].ActorURI = uri
		}
	}

	return &domain.ResolvedPost{
		Text:     text,
		Mentions: validateSpans(spans),
		Links:    scanLinks(text),
	}, nil
}

// resolveIdentifiers resolves each unique identifier concurrently, bounded
// by the configured parallelism, and returns the successes.
func (r *PostResolver) resolveIdentifiers(ctx context.Context, identifiers map[string]struct{}) map[string]string {
	if len(identifiers) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		resolved = make(map[string]string, len(identifiers))
	)

	// Plain errgroup, not WithContext: one identifier's failure must not
	// cancel the others.
	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)

	for identifier := range identifiers {
		identifier := identifier
		g.Go(func() error {
			actorURI, err := r.resolveOne(ctx, identifier)
			if err != nil {
				r.logger.Debug("mention resolution failed, keeping literal",
					"identifier", identifier,
					"error", err,
				)
				return nil
			}
			mu.Lock()
			resolved[identifier] = actorURI
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return resolved
}

func (r *PostResolver) resolveOne(ctx context.Context, identifier string) (string, error) {
	actorURI, err := r.identity.Resolve(ctx, identifier)
	if err != nil {
		return "", err
	}
	if _, err := r.fetcher.FetchActor(ctx, actorURI); err != nil {
		return "", err
	}
	return actorURI, nil
}

// scanMentions finds @user@domain tokens and returns their spans in text
// order.
func scanMentions(text string) []domain.MentionSpan {
	matches := mentionPattern.FindAllStringSubmatchIndex(text, -1)
	spans := make([]domain.MentionSpan, 0, len(matches))
	for _, m := range matches {
		// Group 1 is the @user@domain token, group 2 the bare identifier.
		start, end := m[2], m[3]
		spans = append(spans, domain.MentionSpan{
			Start:      start,
			End:        end,
			Identifier: text[m[4]:m[5]],
		})
	}
	return spans
}

// validateSpans enforces the span invariant: sorted by start offset and
// non-overlapping. Overlapping spans are dropped rather than returned.
func validateSpans(spans []domain.MentionSpan) []domain.MentionSpan {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	out := spans[:0]
	prevEnd := -1
	for _, s := range spans {
		if s.Start < prevEnd {
			continue
		}
		out = append(out, s)
		prevEnd = s.End
	}
	return out
}

// scanLinks returns the distinct links in text, in first-seen order.
func scanLinks(text string) []string {
	var links []string
	seen := make(map[string]struct{})
	for _, l := range linkPattern.FindAllString(text, -1) {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}
	return links
}
