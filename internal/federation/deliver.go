package federation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrDeliveryRejected means the inbox refused the activity with a client
// error. Retrying the same payload will not help.
var ErrDeliveryRejected = errors.New("federation: delivery rejected")

// Deliverer posts signed activities to remote inboxes.
type Deliverer struct {
	policy Policy
	client *http.Client
	signer *Signer
	logger *slog.Logger
}

// NewDeliverer creates a Deliverer. signer may be nil in development; most
// servers will reject unsigned deliveries.
func NewDeliverer(policy Policy, client *http.Client, signer *Signer, logger *slog.Logger) *Deliverer {
	return &Deliverer{policy: policy, client: client, signer: signer, logger: logger}
}

// Deliver posts activity to inboxURI. A 2xx response is success, a 4xx
// response is ErrDeliveryRejected (terminal), anything else is a transient
// error the job layer may retry.
func (d *Deliverer) Deliver(ctx context.Context, inboxURI string, activity []byte) error {
	if _, err := d.policy.Validate(inboxURI); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(activity))
	if err != nil {
		return fmt.Errorf("deliver: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", "sable")

	if d.signer != nil {
		if err := d.signer.Sign(req, activity); err != nil {
			return err
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inboxURI, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.logger.Debug("activity delivered", "inbox", inboxURI, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s rate limited delivery", ErrRemoteUnavailable, inboxURI)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s returned status %d", ErrDeliveryRejected, inboxURI, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s returned status %d", ErrRemoteUnavailable, inboxURI, resp.StatusCode)
	}
}

// sameOrigin reports whether two URIs share a host.
func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

// hostOf returns the host part of a URI, or "" if it does not parse.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
