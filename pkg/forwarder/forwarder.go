// Package forwarder sends queries to upstream resolvers over UDP, TCP,
// DNS-over-TLS, or DNS-over-HTTPS, with per-upstream health tracking and
// round-robin selection.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Transport selects the upstream protocol.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportDoT Transport = "dot"
	TransportDoH Transport = "doh"
)

const dohContentType = "application/dns-message"

// Config controls forwarder behavior.
type Config struct {
	Transport        Transport
	Upstreams        []string // host:port for udp/tcp/dot; ignored for doh
	DoHURL           string
	UDPTimeout       time.Duration
	TCPTimeout       time.Duration
	DoTTimeout       time.Duration
	DoHTimeout       time.Duration
	PreferIPv4       bool
	FailureThreshold int
	SuccessThreshold int
	BreakerTimeout   time.Duration
}

// upstreamHealth is a simple circuit breaker: FailureThreshold consecutive
// failures opens the breaker for BreakerTimeout. Once that elapses every
// request is allowed through again (there is no single-probe half-open
// state); any success resets the failure count, and a failure before the
// next success reopens the breaker at once.
type upstreamHealth struct {
	mu               sync.Mutex
	consecutiveFail  int
	consecutiveOK    int
	openUntil        time.Time
	failureThreshold int
	successThreshold int
	breakerTimeout   time.Duration
}

func newUpstreamHealth(failThreshold, successThreshold int, timeout time.Duration) *upstreamHealth {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &upstreamHealth{failureThreshold: failThreshold, successThreshold: successThreshold, breakerTimeout: timeout}
}

func (h *upstreamHealth) allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Now().After(h.openUntil)
}

func (h *upstreamHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFail = 0
	h.consecutiveOK++
	if h.consecutiveOK >= h.successThreshold {
		h.openUntil = time.Time{}
	}
}

func (h *upstreamHealth) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveOK = 0
	h.consecutiveFail++
	if h.consecutiveFail >= h.failureThreshold {
		h.openUntil = time.Now().Add(h.breakerTimeout)
	}
}

// Forwarder sends queries upstream using the configured transport.
type Forwarder struct {
	cfg        Config
	httpClient *http.Client
	index      atomic.Uint32
	health     map[string]*upstreamHealth
	healthMu   sync.Mutex
}

// New builds a Forwarder. Upstreams are normalized to host:port (default
// port 53 for udp/tcp, 853 for dot) if a bare host is given.
func New(cfg Config) *Forwarder {
	normalized := make([]string, len(cfg.Upstreams))
	defaultPort := "53"
	if cfg.Transport == TransportDoT {
		defaultPort = "853"
	}
	for i, u := range cfg.Upstreams {
		if _, _, err := net.SplitHostPort(u); err != nil {
			u = net.JoinHostPort(u, defaultPort)
		}
		normalized[i] = u
	}
	cfg.Upstreams = normalized

	f := &Forwarder{
		cfg:    cfg,
		health: map[string]*upstreamHealth{},
		httpClient: &http.Client{
			Timeout:   orDefault(cfg.DoHTimeout, 15000*time.Millisecond),
			Transport: dohTransport(cfg.PreferIPv4),
		},
	}
	for _, u := range cfg.Upstreams {
		f.health[u] = newUpstreamHealth(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.BreakerTimeout)
	}
	return f
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Forward sends req upstream using the configured transport and returns the
// parsed response. Any valid DNS response (including SERVFAIL/NXDOMAIN) is
// treated as success; only transport-level errors trigger retry/failover.
func (f *Forwarder) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if f.cfg.Transport == TransportDoH {
		return f.forwardDoH(ctx, req)
	}

	upstreams := f.selectOrder()
	var lastErr error
	for _, upstream := range upstreams {
		h := f.health[upstream]
		if h != nil && !h.allow() {
			continue
		}
		resp, err := f.forwardOne(ctx, upstream, req)
		if err != nil {
			lastErr = err
			if h != nil {
				h.recordFailure()
			}
			continue
		}
		if h != nil {
			h.recordSuccess()
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstream available")
	}
	return nil, lastErr
}

func (f *Forwarder) selectOrder() []string {
	n := len(f.cfg.Upstreams)
	if n == 0 {
		return nil
	}
	start := int(f.index.Add(1)) % n
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, f.cfg.Upstreams[(start+i)%n])
	}
	if f.cfg.PreferIPv4 {
		out = preferIPv4Order(out)
	}
	return out
}

// preferIPv4Order stable-partitions upstreams so IPv4-literal addresses are
// tried before IPv6/hostname ones, preserving round-robin order within each
// partition.
func preferIPv4Order(upstreams []string) []string {
	out := make([]string, 0, len(upstreams))
	for _, u := range upstreams {
		if isIPv4Upstream(u) {
			out = append(out, u)
		}
	}
	for _, u := range upstreams {
		if !isIPv4Upstream(u) {
			out = append(out, u)
		}
	}
	return out
}

func isIPv4Upstream(upstream string) bool {
	host := upstream
	if h, _, err := net.SplitHostPort(upstream); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil
}

// dohTransport builds the DoH HTTP client's transport, optionally biasing
// dial address selection toward IPv4 when the upstream hostname resolves to
// both families.
func dohTransport(preferIPv4 bool) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !preferIPv4 {
		return transport
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil || len(ips) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		ordered := make([]net.IPAddr, 0, len(ips))
		for _, ip := range ips {
			if ip.IP.To4() != nil {
				ordered = append(ordered, ip)
			}
		}
		for _, ip := range ips {
			if ip.IP.To4() == nil {
				ordered = append(ordered, ip)
			}
		}
		var lastErr error
		for _, ip := range ordered {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	return transport
}

func (f *Forwarder) forwardOne(ctx context.Context, upstream string, req *dns.Msg) (*dns.Msg, error) {
	switch f.cfg.Transport {
	case TransportTCP:
		return f.forwardTCP(ctx, upstream, req, orDefault(f.cfg.TCPTimeout, 4000*time.Millisecond), false)
	case TransportDoT:
		return f.forwardTCP(ctx, upstream, req, orDefault(f.cfg.DoTTimeout, 4000*time.Millisecond), true)
	default:
		return f.forwardUDP(ctx, upstream, req)
	}
}

func (f *Forwarder) forwardUDP(ctx context.Context, upstream string, req *dns.Msg) (*dns.Msg, error) {
	timeout := orDefault(f.cfg.UDPTimeout, 2000*time.Millisecond)
	c := &dns.Client{Net: "udp", Timeout: timeout}
	resp, _, err := c.ExchangeContext(ctx, req, upstream)
	return resp, err
}

// forwardTCP handles both plain TCP and DoT (TLS on top of length-framed
// TCP); miekg/dns's Client already speaks the 2-byte length prefix for
// both "tcp" and "tcp-tls" networks.
func (f *Forwarder) forwardTCP(ctx context.Context, upstream string, req *dns.Msg, timeout time.Duration, useTLS bool) (*dns.Msg, error) {
	c := &dns.Client{Net: "tcp", Timeout: timeout}
	if useTLS {
		c.Net = "tcp-tls"
		c.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	resp, _, err := c.ExchangeContext(ctx, req, upstream)
	return resp, err
}

func (f *Forwarder) forwardDoH(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	packed, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.DoHURL, bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("building DoH request: %w", err)
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("DoH request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("reading DoH response: %w", err)
	}

	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpacking DoH response: %w", err)
	}
	return out, nil
}
