package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint is returned for URLs the server must not call.
var ErrBlockedEndpoint = errors.New("endpoint url must be a public http(s) address")

// EndpointValidator checks that a callback URL is safe for server-side
// requests. Literal hosts are checked directly; names are resolved and every
// address must be public.
type EndpointValidator struct {
	LookupHost func(ctx context.Context, host string) ([]string, error)
	Timeout    time.Duration
}

var defaultValidator = &EndpointValidator{
	LookupHost: net.DefaultResolver.LookupHost,
	Timeout:    3 * time.Second,
}

// ValidateEndpointURL validates rawURL with the system resolver.
func ValidateEndpointURL(rawURL string) error {
	return defaultValidator.Validate(rawURL)
}

// Validate rejects non-http(s) URLs and any host that is, or resolves to,
// a loopback, private, link-local, multicast or unspecified address.
func (v *EndpointValidator) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBlockedEndpoint)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedEndpoint)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".internal") || host == "metadata.google" {
		return fmt.Errorf("%w: host %q is not allowed", ErrBlockedEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	addrs, err := v.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve host %q", ErrBlockedEndpoint, host)
	}
	for _, a := range addrs {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrBlockedEndpoint)
	case addr.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", ErrBlockedEndpoint)
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrBlockedEndpoint)
	case addr.IsUnspecified() || addr.IsMulticast():
		return fmt.Errorf("%w: unspecified or multicast addresses are not allowed", ErrBlockedEndpoint)
	}
	return nil
}
