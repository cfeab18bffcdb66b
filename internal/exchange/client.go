package exchange

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPTimeouts carries the per-request deadlines every adapter call uses
type HTTPTimeouts struct {
	Connect time.Duration
	Read    time.Duration
	Pool    time.Duration
}

// DefaultTimeouts matches the fetcher contract: connect 5s, read 15s, pool 10s
func DefaultTimeouts() HTTPTimeouts {
	return HTTPTimeouts{
		Connect: 5 * time.Second,
		Read:    15 * time.Second,
		Pool:    10 * time.Second,
	}
}

// NewHTTPClient builds a resty client with explicit deadlines and keepalive
// caps. proxyURL may be empty for a direct connection; the fetcher passes a
// rotating pool proxy here, trading-path adapters connect directly.
func NewHTTPClient(baseURL string, timeouts HTTPTimeouts, proxyURL string) *resty.Client {
	dialer := &net.Dialer{Timeout: timeouts.Connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeouts.Connect,
		ResponseHeaderTimeout: timeouts.Pool,
	}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeouts.Read).
		SetTransport(transport).
		SetHeader("User-Agent", "whale-copy-trader/1.0")
	client.SetRetryCount(0) // retries are the guard's job, not the transport's
	return client
}
