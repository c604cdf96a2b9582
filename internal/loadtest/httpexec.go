package loadtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/config"
	"github.com/stampede-load/stampede/internal/loadtest/ratelimit"
)

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout applies when a request carries none of its own
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	DisableKeepAlives  bool
	DisableCompression bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// MaxRPS caps the request rate across every VU sharing the executor
	MaxRPS float64
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             config.DefaultTimeout,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTPClientConfigFromSettings maps scenario file settings onto a client config.
func HTTPClientConfigFromSettings(s config.GlobalSettings) HTTPClientConfig {
	c := DefaultHTTPClientConfig()
	c.Timeout = s.Timeout.GetDuration(c.Timeout)
	if s.MaxIdleConnsPerHost > 0 {
		c.MaxIdleConnsPerHost = s.MaxIdleConnsPerHost
	}
	c.MaxConnsPerHost = s.MaxConnectionsPerHost
	c.InsecureSkipVerify = s.InsecureSkipVerify
	c.MaxRPS = s.MaxRPS
	return c
}

// HTTPExecutor executes requests on one pooled http.Client shared by all VUs.
type HTTPExecutor struct {
	client  *http.Client
	timeout time.Duration
	limiter ratelimit.Limiter
}

// NewHTTPExecutor creates an executor. A positive MaxRPS installs a leaky
// bucket in front of every request.
func NewHTTPExecutor(cfg HTTPClientConfig) *HTTPExecutor {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DisableCompression:  cfg.DisableCompression,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	e := &HTTPExecutor{
		client: &http.Client{
			Transport: transport,
			// Redirects are followed; per-request deadlines come from the context.
		},
		timeout: cfg.Timeout,
	}
	if cfg.MaxRPS > 0 {
		e.limiter = ratelimit.NewLeakyBucket(cfg.MaxRPS)
	}
	return e
}

// Close releases idle connections.
func (e *HTTPExecutor) Close() {
	e.client.CloseIdleConnections()
}

// Execute performs req. Duration covers sending the request through reading
// the full body; time spent waiting on the rate limiter is excluded.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) *Response {
	resp := &Response{}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			resp.Err = err
			return resp
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		resp.Err = err
		return resp
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	timing := &phaseTiming{}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, timing.trace()))

	resp.BytesSent = requestSize(httpReq, len(req.Body))

	start := time.Now()
	timing.start = start
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		resp.Duration = time.Since(start)
		resp.Err = err
		resp.Connecting, resp.Waiting = timing.result()
		return resp
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	resp.Duration = time.Since(start)
	resp.Status = httpResp.StatusCode
	resp.Header = httpResp.Header
	resp.Body = data
	resp.BytesReceived = responseSize(httpResp, len(data))
	resp.Connecting, resp.Waiting = timing.result()
	if err != nil {
		resp.Err = err
	}
	return resp
}

// phaseTiming records connection setup and time to first byte via httptrace.
type phaseTiming struct {
	mu         sync.Mutex
	start      time.Time
	dnsStart   time.Time
	connStart  time.Time
	setupEnd   time.Time
	connecting time.Duration
	firstByte  time.Time
}

func (p *phaseTiming) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			p.mu.Lock()
			p.dnsStart = time.Now()
			p.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			p.mu.Lock()
			if p.connStart.IsZero() {
				p.connStart = time.Now()
			}
			p.mu.Unlock()
		},
		ConnectDone: func(_, _ string, err error) {
			if err != nil {
				return
			}
			p.mu.Lock()
			p.markSetupEnd()
			p.mu.Unlock()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err != nil {
				return
			}
			p.mu.Lock()
			p.markSetupEnd()
			p.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			p.mu.Lock()
			p.firstByte = time.Now()
			p.mu.Unlock()
		},
	}
}

func (p *phaseTiming) markSetupEnd() {
	p.setupEnd = time.Now()
	from := p.dnsStart
	if from.IsZero() {
		from = p.connStart
	}
	if !from.IsZero() {
		p.connecting = p.setupEnd.Sub(from)
	}
}

// result returns connection setup time (zero for a reused connection) and
// time to first byte measured from the end of setup.
func (p *phaseTiming) result() (connecting, waiting time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstByte.IsZero() {
		return p.connecting, 0
	}
	from := p.start
	if !p.setupEnd.IsZero() {
		from = p.setupEnd
	}
	return p.connecting, p.firstByte.Sub(from)
}

// requestSize approximates the bytes put on the wire for a request.
func requestSize(r *http.Request, bodyLen int) int64 {
	n := len(r.Method) + len(r.URL.RequestURI()) + len(" HTTP/1.1\r\n")
	n += len("Host: \r\n") + len(r.URL.Host)
	for k, vs := range r.Header {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return int64(n + 2 + bodyLen)
}

func responseSize(r *http.Response, bodyLen int) int64 {
	n := len(r.Proto) + len(r.Status) + 3
	for k, vs := range r.Header {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return int64(n + 2 + bodyLen)
}

// errorClass buckets transport errors into a low-cardinality tag value.
func errorClass(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	return "request"
}
