package providers

import (
	"net"
	"net/http"
)

// NewHTTPClient builds the pooled HTTP client every adapter shares by
// contract: ≥10 warm connections per host, 90s idle timeout, 120s total
// request timeout, 10s connect timeout, 60s TCP keep-alive. Nagle's
// algorithm is off (Go disables it by default on TCP connections).
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   ConnectTimeout,
		KeepAlive: TCPKeepAlive,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		MaxIdleConns:        100,
		IdleConnTimeout:     IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   RequestTimeout,
	}
}
