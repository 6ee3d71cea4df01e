// Package transport builds the HTTP client shared by chain and time sources.
package transport

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const userAgent = "qrlp/1.0"

// NewHTTPClient returns a client that negotiates HTTP/2 over TLS and falls
// back to HTTP/1.1. timeout caps every request made with it; callers add
// tighter per-attempt deadlines through the request context.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(base); err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &uaTransport{next: base},
		Timeout:   timeout,
	}, nil
}

type uaTransport struct {
	next http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.next.RoundTrip(req)
}
