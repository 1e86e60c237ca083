// Package httpclient is the outbound HTTP client used by backends that pull
// from remote sources. It refuses private and loopback destinations unless told
// otherwise and throttles requests per client.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/remilejeune/udata-harvest/errors"
)

// DefaultUserAgent identifies harvest requests to remote portals.
const DefaultUserAgent = "udata-harvest/1"

// ErrBlocked marks a request refused by the destination policy.
var ErrBlocked = errors.New("destination blocked")

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Timeout       time.Duration // default 30s
	MaxRedirects  int           // default 10
	AllowPrivate  bool          // permit loopback and RFC 1918 targets
	RatePerSecond float64       // 0 disables throttling
	Burst         int           // default 1
	UserAgent     string
}

// Client issues GET requests against source URLs.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	opts      Options
	userAgent string
}

// New builds a Client from opts.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	c := &Client{opts: opts, userAgent: opts.UserAgent}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if opts.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst)
	}

	transport := &http.Transport{
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if !opts.AllowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			// resolve here so DNS answers are checked too
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve %q", host)
			}
			for _, a := range addrs {
				if isPrivate(a) {
					return nil, errors.Wrapf(ErrBlocked, "%s resolves to %s", host, a)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
			}
			if err := c.check(req.URL); err != nil {
				return errors.Wrap(err, "redirect")
			}
			return nil
		},
	}
	return c
}

// HTTP returns the underlying client. The destination policy still applies
// when dialing; the rate limiter does not.
func (c *Client) HTTP() *http.Client {
	return c.http
}

// Validate parses rawURL and applies the destination policy.
func (c *Client) Validate(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid URL %q", rawURL)
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Wrapf(ErrBlocked, "scheme %q", u.Scheme)
	}
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "credentials in URL")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.opts.AllowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Wrapf(ErrBlocked, "host %q", host)
	}
	if a, err := netip.ParseAddr(host); err == nil && isPrivate(a) {
		return errors.Wrapf(ErrBlocked, "address %s", a)
	}
	return nil
}

// Get fetches rawURL, waiting on the rate limiter first. Non-2xx responses
// are returned as errors carrying the status code.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := c.Validate(rawURL)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", u.Redacted())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read body of %s", u.Redacted())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.WithDetail(
			&StatusError{URL: u.Redacted(), Code: resp.StatusCode},
			truncate(string(body), 512),
		)
	}
	return body, nil
}

// GetJSON fetches rawURL and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrapf(err, "decode JSON from %s", rawURL)
	}
	return nil
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

func isPrivate(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified() ||
		(a.Is4() && a.As4()[0] == 0) ||
		(a.Is4() && a.As4()[0] >= 240)
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
