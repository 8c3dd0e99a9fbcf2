// Package safety keeps fetch_url_content from reaching private networks.
package safety

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	MaxURLLength    = 8192
	MaxRedirectHops = 3
)

var ErrBlockedDestination = errors.New("destination ip is blocked")

var blockedCIDRs = mustParseCIDRs([]string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates outbound URLs and builds HTTP clients that re-check every
// dial and redirect. AllowPrivate turns the address checks off for local
// testing; scheme and credential checks still apply.
type Guard struct {
	AllowPrivate bool
	Resolver     Resolver
}

func (g Guard) resolver() Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return net.DefaultResolver
}

// ValidateURL parses rawURL and rejects anything that is not a plain
// http(s) URL pointing at a public address.
func (g Guard) ValidateURL(ctx context.Context, rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if len(rawURL) > MaxURLLength {
		return nil, fmt.Errorf("url exceeds maximum length %d", MaxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("url credentials are not allowed")
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		return nil, fmt.Errorf("url host is required")
	}
	if strings.Contains(host, "%") || !isASCII(host) {
		return nil, fmt.Errorf("invalid hostname")
	}
	if port := u.Port(); port != "" {
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port")
		}
	}
	if g.AllowPrivate {
		return u, nil
	}
	if _, err := g.resolvePublic(ctx, host); err != nil {
		return nil, err
	}
	return u, nil
}

// resolvePublic returns the first address for host after checking that none
// of its addresses is blocked.
func (g Guard) resolvePublic(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
		return ip, nil
	}
	addrs, err := g.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns resolution failed: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns resolution returned no records")
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return nil, err
		}
	}
	return addrs[0].IP, nil
}

// HTTPClient wraps base so that redirects are capped and, unless
// AllowPrivate is set, every connection dials a validated public address.
func (g Guard) HTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	out := *base
	if out.Transport == nil {
		out.Transport = http.DefaultTransport
	}

	if tr, ok := out.Transport.(*http.Transport); ok && !g.AllowPrivate {
		clone := tr.Clone()
		clone.Proxy = nil
		clone.ProxyConnectHeader = nil
		clone.GetProxyConnectHeader = nil
		clone.DialTLSContext = nil
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		clone.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			if strings.Contains(host, "%") {
				return nil, fmt.Errorf("invalid host")
			}
			ip, err := g.resolvePublic(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		}
		out.Transport = clone
	}

	out.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirectHops {
			return fmt.Errorf("redirect limit exceeded (max %d)", MaxRedirectHops)
		}
		if _, err := g.ValidateURL(req.Context(), req.URL.String()); err != nil {
			return err
		}
		return nil
	}
	return &out
}

// ReadBodyLimited reads at most limit bytes of resp.Body and fails when the
// body is larger.
func ReadBodyLimited(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("response body is empty")
	}
	lr := &io.LimitedReader{R: resp.Body, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response exceeds maximum size %d bytes", limit)
	}
	return b, nil
}

func checkIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("invalid ip")
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return ErrBlockedDestination
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return ErrBlockedDestination
		}
	}
	return nil
}

func mustParseCIDRs(values []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			panic(err)
		}
		out = append(out, cidr)
	}
	return out
}

func isASCII(s string) bool {
	return bytes.IndexFunc([]byte(s), func(r rune) bool { return r > 127 }) < 0
}
