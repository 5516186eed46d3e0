package proxy

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"
)

// Forwarder streams requests onto a binding's private channel socket and
// responses back, byte for byte. One reverse proxy is kept per channel path;
// a backend failure answers 502 and never crosses into other requests.
type Forwarder struct {
	mu          sync.Mutex
	dialTimeout time.Duration
	proxies     map[string]*httputil.ReverseProxy
}

// NewForwarder creates a forwarder whose channel dials give up after
// dialTimeout.
func NewForwarder(dialTimeout time.Duration) *Forwarder {
	return &Forwarder{
		dialTimeout: dialTimeout,
		proxies:     make(map[string]*httputil.ReverseProxy),
	}
}

// Forward proxies one request to the application listening on channelPath
// and writes the response to w. It returns once the exchange is complete.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, channelPath string) {
	f.proxyFor(channelPath).ServeHTTP(w, r)
}

func (f *Forwarder) proxyFor(channelPath string) *httputil.ReverseProxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rp, ok := f.proxies[channelPath]; ok {
		return rp
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: f.dialTimeout}
			return d.DialContext(ctx, "unix", channelPath)
		},
		// One app per channel; keep the pool small.
		MaxIdleConns:    4,
		IdleConnTimeout: 30 * time.Second,
	}
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			// The transport ignores the URL host and dials the channel
			// socket; the placeholder keeps net/http happy.
			req.URL.Scheme = "http"
			req.URL.Host = "portmux.local"
			applyForwardHeaders(req)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("WARN: Proxy to %s failed for %s %s: %v", channelPath, r.Method, r.URL.Path, err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	f.proxies[channelPath] = rp
	return rp
}

// applyForwardHeaders records the original host and scheme for the
// application. X-Forwarded-For is left to ReverseProxy, which appends the
// client IP after the Director runs.
func applyForwardHeaders(r *http.Request) {
	if r.Host != "" && r.Header.Get("X-Forwarded-Host") == "" {
		r.Header.Set("X-Forwarded-Host", strings.ToLower(r.Host))
	}
	if r.Header.Get("X-Forwarded-Proto") == "" {
		r.Header.Set("X-Forwarded-Proto", "http")
	}
}
