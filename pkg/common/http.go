package common

import (
	"crypto/tls"
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements the
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// Version returns the embedded build version.
func Version() string {
	return strings.TrimSpace(version)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	userAgent := "PwProxy/" + Version()

	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}

// InsecureHTTPClient returns a pooled http client that skips certificate
// verification. The gateway serves a self-signed certificate so verification
// is impossible without pinning; callers accept that trade-off knowingly.
// Persistent connections are disabled when poolSize is zero.
func InsecureHTTPClient(timeout time.Duration, poolSize int) *http.Client {
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   poolSize == 0,
	}
	return &http.Client{
		Transport: &userAgentTransport{
			transport: transport,
			userAgent: "PwProxy/" + Version(),
		},
		Timeout: timeout,
	}
}
