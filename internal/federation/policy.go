package federation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrRejectedURL means a URI failed the outbound target policy and was never
// dialed.
var ErrRejectedURL = errors.New("federation: rejected url")

// Policy decides which remote URIs this server is willing to talk to.
type Policy struct {
	// LocalDomain is this server's own domain; fetching from it is refused.
	LocalDomain string

	// AllowInsecure permits plain http and loopback targets. Development
	// only.
	AllowInsecure bool
}

// Validate parses raw and checks it against the policy. Loopback, private
// and link-local hosts are refused so a crafted object id cannot be used to
// probe the local network.
func (p Policy) Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejectedURL, err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowInsecure {
			return nil, fmt.Errorf("%w: plain http target %s", ErrRejectedURL, raw)
		}
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrRejectedURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", ErrRejectedURL, raw)
	}
	if p.LocalDomain != "" && strings.EqualFold(u.Host, p.LocalDomain) {
		return nil, fmt.Errorf("%w: %s is the local domain", ErrRejectedURL, u.Host)
	}

	if p.AllowInsecure {
		return u, nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return nil, fmt.Errorf("%w: local hostname %s", ErrRejectedURL, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return nil, fmt.Errorf("%w: non-routable address %s", ErrRejectedURL, host)
		}
	}

	return u, nil
}
