package probe

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// Result is the outcome of one bounded reachability check.
// Params: up flag, observed status code, and round-trip latency.
// Returns: probe outcome; failure is a normal result, never an error.
type Result struct {
	Up         bool
	StatusCode int
	Latency    time.Duration
}

// Prober performs one reachability check against a service address.
// Params: context, target address, and per-check timeout.
// Returns: probe result.
type Prober interface {
	Check(ctx context.Context, address string, timeout time.Duration) Result
}

// HTTPProber checks targets over HTTP GET or raw TCP dial.
// Params: optional transport override for tests.
// Returns: prober treating >=500 responses, transport errors, and timeouts as down.
type HTTPProber struct {
	transport http.RoundTripper
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the default prober.
// Params: none.
// Returns: prober using default HTTP transport and dialer.
func New() *HTTPProber {
	return &HTTPProber{}
}

// Check performs exactly one reachability check with a bounded timeout.
// Params: context, address (http(s)://, tcp://, or bare host), and timeout.
// Returns: result; 2xx-4xx count as up, >=500 and any transport failure as down.
func (p *HTTPProber) Check(ctx context.Context, address string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	started := time.Now()

	if target, ok := strings.CutPrefix(address, "tcp://"); ok {
		up := p.dialCheck(ctx, target, timeout)
		return Result{Up: up, Latency: time.Since(started)}
	}

	url := address
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(checkCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Latency: time.Since(started)}
	}

	client := &http.Client{Timeout: timeout, Transport: p.transport}
	response, err := client.Do(request)
	if err != nil {
		return Result{Latency: time.Since(started)}
	}
	defer response.Body.Close()

	return Result{
		Up:         response.StatusCode < http.StatusInternalServerError,
		StatusCode: response.StatusCode,
		Latency:    time.Since(started),
	}
}

// dialCheck opens and closes one TCP connection within the timeout.
// Params: context, host:port target, and timeout.
// Returns: true when the dial succeeds.
func (p *HTTPProber) dialCheck(ctx context.Context, target string, timeout time.Duration) bool {
	dial := p.dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: timeout}
		dial = dialer.DialContext
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", target)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
