package embedcheck

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Browser-like request headers for link probing. Many link shorteners and landing pages behave
// differently (or refuse service) for obviously automated clients.
var probeHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Referrer-Policy": "strict-origin-when-cross-origin",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate",
}

// TransportConfig tunes the connection pool of each worker's probe client.
//
// Probing connects to arbitrary, high-cardinality hosts, so idle connections are evicted
// quickly and few are kept per host.
type TransportConfig struct {
	// how long an idle connection may stay cached
	IdleConnTTL time.Duration
	// how often idle connections are swept, in addition to IdleConnTTL
	CleanupInterval time.Duration
	// per-host connection cap (active and idle)
	MaxConnsPerHost int
	// total idle connection cap
	MaxConns int
	// overall limit for one request, including reading headers; bounds a stuck probe
	RequestTimeout time.Duration
	// refuse to connect to private, loopback and other non-public addresses, or ports other
	// than 80 and 443
	PublicOnly bool
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		IdleConnTTL:     4 * time.Second,
		CleanupInterval: 5 * time.Second,
		MaxConnsPerHost: 1,
		MaxConns:        256,
		RequestTimeout:  30 * time.Second,
		PublicOnly:      true,
	}
}

// NewProbeClient returns an HTTP client which does not follow redirects (the caller walks
// them), along with a function which stops background connection cleanup and closes idle
// connections. Each worker should own exactly one.
func NewProbeClient(cfg TransportConfig) (*http.Client, func()) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.PublicOnly {
		dialer.Control = publicOnlyControl
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTTL,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{
		Transport: otelhttp.NewTransport(tr),
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	done := make(chan struct{})
	if cfg.CleanupInterval > 0 {
		ticker := time.NewTicker(cfg.CleanupInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					tr.CloseIdleConnections()
				case <-done:
					return
				}
			}
		}()
	}
	stop := func() {
		close(done)
		tr.CloseIdleConnections()
	}
	return client, stop
}

func setProbeHeaders(req *http.Request) {
	for k, v := range probeHeaders {
		req.Header.Set(k, v)
	}
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),       // current network
	netip.MustParsePrefix("100.64.0.0/10"),   // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // documentation
	netip.MustParsePrefix("192.88.99.0/24"),  // 6to4 relay
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // documentation
	netip.MustParsePrefix("203.0.113.0/24"),  // documentation
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved, including broadcast
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// [net.Dialer] Control function rejecting connections to non-public addresses, or to ports
// other than 80 and 443. Runs after DNS resolution, so it also covers hostnames which resolve
// to internal addresses.
func publicOnlyControl(network, address string, _ syscall.RawConn) error {
	if network != "tcp4" && network != "tcp6" {
		return fmt.Errorf("%s is not a safe network type", network)
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%s is not a valid address/port pair: %w", address, err)
	}
	if !isPublicAddr(ap.Addr()) {
		return fmt.Errorf("%s is not a public IP address", ap.Addr())
	}
	if port := ap.Port(); port != 80 && port != 443 {
		return fmt.Errorf("%d is not a safe port number", port)
	}
	return nil
}
