package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnswerMsg(name string, ttl uint32) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	rr, _ := dns.NewRR(name + ". " + "300" + " IN A 1.2.3.4")
	rr.Header().Ttl = ttl
	m.Answer = append(m.Answer, rr)
	return m
}

func TestCacheSetAndGet(t *testing.T) {
	c := New(100, 5*time.Minute)
	defer c.Close()

	msg := newAnswerMsg("allowed.test", 60)
	c.Set("allowed.test", dns.TypeA, msg)

	got, ok := c.Get("allowed.test", dns.TypeA)
	require.True(t, ok)
	assert.NotEmpty(t, got)
}

func TestCacheZeroTTLNotCached(t *testing.T) {
	c := New(100, 5*time.Minute)
	defer c.Close()

	msg := newAnswerMsg("zero.test", 0)
	c.Set("zero.test", dns.TypeA, msg)

	_, ok := c.Get("zero.test", dns.TypeA)
	assert.False(t, ok)
}

func TestCacheExpiredNotServed(t *testing.T) {
	c := New(100, 5*time.Minute)
	defer c.Close()

	msg := newAnswerMsg("short.test", 1)
	c.Set("short.test", dns.TypeA, msg)
	time.Sleep(1100 * time.Millisecond)

	_, ok := c.Get("short.test", dns.TypeA)
	assert.False(t, ok)
}

func TestCacheMinTTLAcrossAnswers(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("multi.test"), dns.TypeA)
	rr1, _ := dns.NewRR("multi.test. 300 IN A 1.2.3.4")
	rr1.Header().Ttl = 300
	rr2, _ := dns.NewRR("multi.test. 300 IN A 1.2.3.5")
	rr2.Header().Ttl = 10
	m.Answer = append(m.Answer, rr1, rr2)

	assert.Equal(t, 10*time.Second, determineTTL(m, 5*time.Minute))
}
