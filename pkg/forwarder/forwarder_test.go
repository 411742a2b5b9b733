package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestForwardUDPRoundTrip mirrors S1's stub-upstream contract: a query for
// allowed.test gets back A 1.2.3.4.
func TestForwardUDPRoundTrip(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	handlerCalled := make(chan struct{}, 1)
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 1.2.3.4")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
		select {
		case handlerCalled <- struct{}{}:
		default:
		}
	})

	server := &dns.Server{PacketConn: pc, Net: "udp", Handler: mux}
	go func() { _ = server.ActivateAndServe() }()
	defer server.Shutdown()
	time.Sleep(50 * time.Millisecond)

	f := New(Config{Transport: TransportUDP, Upstreams: []string{pc.LocalAddr().String()}, UDPTimeout: 2 * time.Second})

	req := new(dns.Msg)
	req.SetQuestion("allowed.test.", dns.TypeA)

	resp, err := f.Forward(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	select {
	case <-handlerCalled:
	case <-time.After(time.Second):
		t.Fatal("stub server never handled the query")
	}
}

func TestSelectOrderRoundRobins(t *testing.T) {
	f := New(Config{Transport: TransportUDP, Upstreams: []string{"a:53", "b:53", "c:53"}})
	first := f.selectOrder()
	second := f.selectOrder()
	require.Len(t, first, 3)
	require.NotEqual(t, first[0], second[0])
}

func TestSelectOrderPrefersIPv4WhenConfigured(t *testing.T) {
	f := New(Config{
		Transport:  TransportUDP,
		Upstreams:  []string{"[2001:db8::1]:53", "9.9.9.9:53", "1.1.1.1:53"},
		PreferIPv4: true,
	})
	order := f.selectOrder()
	require.Len(t, order, 3)
	require.True(t, isIPv4Upstream(order[0]))
	require.True(t, isIPv4Upstream(order[1]))
	require.False(t, isIPv4Upstream(order[2]))
}

func TestSelectOrderPreservesRoundRobinWhenNotPreferred(t *testing.T) {
	f := New(Config{Transport: TransportUDP, Upstreams: []string{"[2001:db8::1]:53", "9.9.9.9:53"}})
	order := f.selectOrder()
	require.ElementsMatch(t, []string{"[2001:db8::1]:53", "9.9.9.9:53"}, order)
}
