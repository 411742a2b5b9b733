package dnsserver

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// synthesizeBlocked turns req into an NXDOMAIN reply, clearing the low 4
// RCODE bits and OR-ing in NXDOMAIN(3) while preserving all flags
// (including RD) and producing no answers.
func synthesizeBlocked(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = (m.Rcode &^ 0xF) | dns.RcodeNameError
	m.Answer = nil
	return m
}

// synthesizeServfail is returned on upstream transport timeout/error.
func synthesizeServfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeServerFailure
	return m
}

// synthesizeRewrite builds a local A/AAAA/CNAME answer for a DNS rewrite
// target: an IPv4 literal produces A, an IPv6 literal produces AAAA, and
// anything else is treated as a hostname and produces CNAME (normalized
// lowercase, trailing dot stripped, then re-appended per wire format).
func synthesizeRewrite(req *dns.Msg, target string) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeSuccess

	qname := req.Question[0].Name
	ttl := uint32(300)

	if ip := net.ParseIP(target); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   ip4,
			})
		} else {
			m.Answer = append(m.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: qname, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: ip,
			})
		}
		return m
	}

	name := strings.ToLower(strings.TrimSuffix(target, "."))
	m.Answer = append(m.Answer, &dns.CNAME{
		Hdr:    dns.RR_Header{Name: qname, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
		Target: dns.Fqdn(name),
	})
	return m
}

// extractAnswerIPs collects A/AAAA answer addresses for query-log
// diagnostics (e.g. GeoIP aggregation, shadow-resolve analytics).
func extractAnswerIPs(msg *dns.Msg) []string {
	if msg == nil {
		return nil
	}
	var ips []string
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A.String())
		case *dns.AAAA:
			ips = append(ips, v.AAAA.String())
		}
	}
	return ips
}
