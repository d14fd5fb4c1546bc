package domain

// MentionSpan is a contiguous range of post text referencing an account
// identifier. Offsets are byte offsets into the original text.
type MentionSpan struct {
	// Start and End delimit the span, including the leading '@'.
	Start int
	End   int

	// Identifier is the user@domain form without the leading '@'.
	Identifier string

	// Resolved reports whether the identifier was resolved to an actor.
	// When false the span is rendered as literal text.
	Resolved bool

	// ActorURI is the resolved actor id. Empty when Resolved is false.
	ActorURI string
}

// ResolvedPost is the result of scanning post text for mentions and links.
// Spans are ordered by start offset and never overlap.
type ResolvedPost struct {
	Text     string
	Mentions []MentionSpan
	Links    []string
}
