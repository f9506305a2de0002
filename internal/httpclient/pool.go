// Package httpclient owns the process-wide pair of keep-alive transports used
// for every upstream call. One transport serves plain HTTP endpoints (local
// runtimes), one serves TLS endpoints (cloud providers); both are bounded and
// instrumented for trace propagation.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Pool parameters are per-process constants.
const (
	maxConnsPerHost     = 64
	maxIdleConnsPerHost = 16
	maxIdleConns        = 128
	idleConnTimeout     = 90 * time.Second
	dialTimeout         = 10 * time.Second
	keepAlivePeriod     = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Pool holds the shared transport pair. It is created once at startup and
// destroyed exactly once at shutdown; use after Close is an error.
type Pool struct {
	plain *http.Transport
	tls   *http.Transport

	plainClient *http.Client
	tlsClient   *http.Client
}

// New builds the transport pair. requestTimeout bounds every upstream call
// made through the returned clients; zero means no client-level bound (the
// caller must bound via context).
func New(requestTimeout time.Duration) *Pool {
	p := &Pool{
		plain: newTransport(nil),
		tls:   newTransport(&tls.Config{MinVersion: tls.VersionTLS12}),
	}
	p.plainClient = &http.Client{
		Transport: otelhttp.NewTransport(p.plain),
		Timeout:   requestTimeout,
	}
	p.tlsClient = &http.Client{
		Transport: otelhttp.NewTransport(p.tls),
		Timeout:   requestTimeout,
	}
	return p
}

func newTransport(tlsCfg *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		MaxIdleConns:        maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// Client returns the pooled client for the given URL, selected by scheme.
func (p *Pool) Client(url string) *http.Client {
	if strings.HasPrefix(url, "https://") {
		return p.tlsClient
	}
	return p.plainClient
}

// CloseIdle tears down all idle connections on both transports. Called by the
// shutdown coordinator.
func (p *Pool) CloseIdle() {
	p.plain.CloseIdleConnections()
	p.tls.CloseIdleConnections()
}
