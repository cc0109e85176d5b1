package pulse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxRedirects is the number of redirects a check follows.
const DefaultMaxRedirects = 5

const checkerUserAgent = "pulsewatch-checker/1.0"

// maxErrorLen bounds the description stored for unclassified faults.
const maxErrorLen = 255

var errTooManyRedirects = errors.New("too many redirects")

// Checker performs one probe of an endpoint. Transport faults are reported
// in the returned result, never as errors.
type Checker interface {
	Check(ctx context.Context, endpoint Endpoint) CheckResult
}

// Compile-time interface guard.
var _ Checker = (*HTTPChecker)(nil)

// HTTPChecker probes endpoints with a single GET request.
type HTTPChecker struct {
	transport    http.RoundTripper
	maxRedirects int
	now          func() time.Time
}

// CheckerOption customizes an HTTPChecker.
type CheckerOption func(*HTTPChecker)

// WithClock sets the clock used for timestamps and elapsed time.
func WithClock(now func() time.Time) CheckerOption {
	return func(c *HTTPChecker) { c.now = now }
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) CheckerOption {
	return func(c *HTTPChecker) { c.transport = rt }
}

// WithMaxRedirects overrides DefaultMaxRedirects.
func WithMaxRedirects(n int) CheckerOption {
	return func(c *HTTPChecker) { c.maxRedirects = n }
}

// WithInsecureTLS accepts self-signed certificates.
func WithInsecureTLS() CheckerOption {
	return func(c *HTTPChecker) {
		if t, ok := c.transport.(*http.Transport); ok {
			t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} //nolint:gosec // G402: opt-in for self-signed targets
		}
	}
}

// NewHTTPChecker creates a checker. Each check uses the endpoint's own timeout.
func NewHTTPChecker(opts ...CheckerOption) *HTTPChecker {
	c := &HTTPChecker{
		transport: &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
			DisableKeepAlives: true,
		},
		maxRedirects: DefaultMaxRedirects,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check sends a GET to the endpoint URL and classifies the outcome.
func (c *HTTPChecker) Check(ctx context.Context, endpoint Endpoint) CheckResult {
	start := c.now()
	result := CheckResult{
		EndpointID: endpoint.ID,
		CheckedAt:  start.UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, http.NoBody)
	if err != nil {
		result.Error = stringPtr(truncate("invalid_url: " + err.Error()))
		return result
	}
	for k, v := range endpoint.Headers {
		// net/http sends req.Host, never a Host entry in the header map.
		if strings.EqualFold(k, "Host") {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", checkerUserAgent)
	}

	client := &http.Client{
		Transport: c.transport,
		Timeout:   endpoint.Timeout(),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > c.maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	elapsed := c.now().Sub(start)
	if err != nil {
		result.Error = stringPtr(classifyTransportError(err))
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // drain for clean close

	result.StatusCode = intPtr(resp.StatusCode)
	result.ResponseTimeMs = int64Ptr(elapsed.Milliseconds())
	return result
}

// classifyTransportError maps a client error onto the recorded classification.
func classifyTransportError(err error) string {
	if errors.Is(err, errTooManyRedirects) {
		return ErrClassTooManyRedirects
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrClassCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrClassConnectionFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrClassConnectionFailed
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return truncate(fmt.Sprintf("transport_error: %v", err))
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
