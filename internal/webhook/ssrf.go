package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/time/rate"
)

// ErrDisallowedHost is returned when a webhook URL resolves to a private,
// loopback, or link-local address — tenant-supplied URLs must never let
// one tenant's webhook probe the worker's own internal network.
type ErrDisallowedHost struct {
	Host string
	IP   net.IP
}

func (e *ErrDisallowedHost) Error() string {
	return fmt.Sprintf("webhook: host %q resolves to disallowed address %s", e.Host, e.IP)
}

// guardedDialer wraps net.Dialer.DialContext, resolving the target host
// first and refusing to connect if any resolved address is private,
// loopback, link-local, or unspecified. Resolving before dialing (rather
// than trusting whatever the transport ends up connecting to) closes the
// DNS-rebinding gap where a hostname is attacker-controlled.
type guardedDialer struct {
	dialer *net.Dialer
}

func newGuardedDialer() *guardedDialer {
	return &guardedDialer{dialer: &net.Dialer{}}
}

func (g *guardedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	// Normalize to the ASCII/punycode form before resolving, so a
	// homograph or mixed-script hostname can't validate differently than
	// whatever the transport would otherwise dial.
	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, fmt.Errorf("webhook: normalize host %q: %w", host, err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", asciiHost)
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return nil, &ErrDisallowedHost{Host: host, IP: ip}
		}
	}

	// Dial the specific resolved, validated IP rather than re-resolving
	// the hostname, so a second DNS lookup inside net.Dialer can't answer
	// differently than the one just validated.
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// newGuardedHTTPClient builds an http.Client whose transport refuses to
// connect to private/loopback/link-local addresses, so a tenant cannot
// point a webhook at internal infrastructure (SSRF).
func newGuardedHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: newGuardedDialer().DialContext,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// deliveryRateLimit and deliveryRateBurst bound the worker's total outbound
// webhook request rate across every tenant, so a burst of events from one
// noisy tenant cannot starve the process's outbound connection pool or
// trip a downstream receiver's own rate limiting.
const (
	deliveryRateLimit = 50 // requests per second
	deliveryRateBurst = 50
)

func newDeliveryLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(deliveryRateLimit), deliveryRateBurst)
}

// validateSchemeAndHost performs the cheap static checks (scheme must be
// http/https, host must be non-empty and a validly-encoded hostname)
// before any network round trip.
func validateSchemeAndHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("webhook: missing host")
	}
	asciiHost, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return fmt.Errorf("webhook: invalid host %q: %w", u.Hostname(), err)
	}
	if asciiHost == "" {
		return fmt.Errorf("webhook: invalid host %q: empty after IDNA normalization", u.Hostname())
	}
	return nil
}
