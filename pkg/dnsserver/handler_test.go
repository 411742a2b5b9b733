package dnsserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/cache"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/forwarder"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
)

type fakeDecider struct {
	decision policy.Decision
}

func (f fakeDecider) Decide(queryName, clientIP, queryType string, now time.Time) policy.Decision {
	return f.decision
}

type fakeStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.QueryLogEntry
}

func (s *fakeStore) AppendQueryLog(ctx context.Context, e storage.QueryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func startStub(t *testing.T) (string, func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 9.9.9.9")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})
	srv := &dns.Server{PacketConn: pc, Net: "udp", Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	time.Sleep(50 * time.Millisecond)
	return pc.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

type recordingWriter struct {
	dns.ResponseWriter
	written *dns.Msg
}

func (w *recordingWriter) WriteMsg(m *dns.Msg) error {
	w.written = m
	return nil
}
func (w *recordingWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 12345}
}

func newTestHandler(t *testing.T, decision policy.Decision) (*Handler, *recordingWriter, string, func()) {
	upstream, stop := startStub(t)
	fwd := forwarder.New(forwarder.Config{Transport: forwarder.TransportUDP, Upstreams: []string{upstream}, UDPTimeout: 2 * time.Second})
	c := cache.New(100, time.Minute)
	store := &fakeStore{}
	h := NewHandler(fakeDecider{decision: decision}, c, fwd, store, nil)
	return h, &recordingWriter{}, upstream, stop
}

func TestHandlerPermittedForwardsAndCaches(t *testing.T) {
	h, w, _, stop := newTestHandler(t, policy.Decision{Status: policy.StatusPermitted})
	defer stop()

	req := new(dns.Msg)
	req.SetQuestion("allowed.test.", dns.TypeA)
	h.ServeDNS(w, req)

	require.NotNil(t, w.written)
	require.Equal(t, dns.RcodeSuccess, w.written.Rcode)
	require.Len(t, w.written.Answer, 1)

	time.Sleep(20 * time.Millisecond)
}

func TestHandlerBlockedReturnsNXDOMAIN(t *testing.T) {
	h, w, _, stop := newTestHandler(t, policy.Decision{Status: policy.StatusBlocked, BlocklistID: "Manual"})
	defer stop()

	req := new(dns.Msg)
	req.SetQuestion("blocked.test.", dns.TypeA)
	h.ServeDNS(w, req)

	require.NotNil(t, w.written)
	require.Equal(t, dns.RcodeNameError, w.written.Rcode)
	require.Empty(t, w.written.Answer)
}

func TestHandlerRewrittenSynthesizesAnswer(t *testing.T) {
	h, w, _, stop := newTestHandler(t, policy.Decision{Status: policy.StatusRewritten, RewriteTarget: "10.0.0.5"})
	defer stop()

	req := new(dns.Msg)
	req.SetQuestion("rewrite.test.", dns.TypeA)
	h.ServeDNS(w, req)

	require.NotNil(t, w.written)
	require.Len(t, w.written.Answer, 1)
	a, ok := w.written.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", a.A.String())
}

type switchingDecider struct {
	mu        sync.Mutex
	decisions []policy.Decision
	calls     int
}

func (s *switchingDecider) Decide(queryName, clientIP, queryType string, now time.Time) policy.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.decisions[s.calls]
	if s.calls < len(s.decisions)-1 {
		s.calls++
	}
	return d
}

// TestHandlerReevaluatesPolicyOnEveryCacheHit guards the invariant that a
// domain newly blocked after being cached while permitted must stop being
// served from cache immediately, not after TTL expiry.
func TestHandlerReevaluatesPolicyOnEveryCacheHit(t *testing.T) {
	upstream, stop := startStub(t)
	defer stop()
	fwd := forwarder.New(forwarder.Config{Transport: forwarder.TransportUDP, Upstreams: []string{upstream}, UDPTimeout: 2 * time.Second})
	c := cache.New(100, time.Minute)
	store := &fakeStore{}
	decider := &switchingDecider{decisions: []policy.Decision{
		{Status: policy.StatusPermitted},
		{Status: policy.StatusBlocked, BlocklistID: "Manual"},
	}}
	h := NewHandler(decider, c, fwd, store, nil)

	req := new(dns.Msg)
	req.SetQuestion("flips.test.", dns.TypeA)

	w1 := &recordingWriter{}
	h.ServeDNS(w1, req)
	require.NotNil(t, w1.written)
	require.Equal(t, dns.RcodeSuccess, w1.written.Rcode)

	_, ok := c.Get("flips.test.", dns.TypeA)
	require.True(t, ok, "permitted answer should populate the cache")

	w2 := &recordingWriter{}
	h.ServeDNS(w2, req)
	require.NotNil(t, w2.written)
	require.Equal(t, dns.RcodeNameError, w2.written.Rcode, "newly blocked decision must win over a stale cached answer")
	require.Empty(t, w2.written.Answer)
}

func TestHandlerShadowBlockedStillForwards(t *testing.T) {
	h, w, _, stop := newTestHandler(t, policy.Decision{Status: policy.StatusShadowBlocked, BlocklistID: "Blocklist:shadow1"})
	defer stop()

	req := new(dns.Msg)
	req.SetQuestion("shadow.test.", dns.TypeA)
	h.ServeDNS(w, req)

	require.NotNil(t, w.written)
	require.Equal(t, dns.RcodeSuccess, w.written.Rcode)
	require.Len(t, w.written.Answer, 1)
}
