package api

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/apierr"
)

// dohResponseWriter captures the dns.Msg the core handler writes instead of
// sending it over a real connection, so the HTTP layer can re-encode it.
type dohResponseWriter struct {
	msg      *dns.Msg
	clientIP string
}

func (w *dohResponseWriter) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.ParseIP("127.0.0.1")} }
func (w *dohResponseWriter) Close() error        { return nil }
func (w *dohResponseWriter) TsigStatus() error   { return nil }
func (w *dohResponseWriter) TsigTimersOnly(bool) {}
func (w *dohResponseWriter) Hijack()             {}

func (w *dohResponseWriter) RemoteAddr() net.Addr {
	if w.clientIP != "" {
		return &net.TCPAddr{IP: net.ParseIP(w.clientIP)}
	}
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1")}
}

func (w *dohResponseWriter) WriteMsg(m *dns.Msg) error {
	w.msg = m
	return nil
}

func (w *dohResponseWriter) Write(b []byte) (int, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return 0, err
	}
	w.msg = msg
	return len(b), nil
}

// handleDNSQuery implements RFC 8484 DNS-over-HTTPS: GET with a base64url
// "dns" parameter or "name"/"type", POST with an application/dns-message
// body, and HEAD as a bare health check.
func (s *Server) handleDNSQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	var query *dns.Msg
	var err error
	switch r.Method {
	case http.MethodGet:
		query, err = parseDNSQueryGET(r)
	case http.MethodPost:
		query, err = parseDNSQueryPOST(r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		s.handleDOHError(w, err, apierr.CodeInvalidRequest)
		return
	}
	if query == nil || len(query.Question) == 0 {
		s.handleDOHError(w, fmt.Errorf("query not specified"), apierr.CodeInvalidRequest)
		return
	}

	if r.Method == http.MethodGet {
		if packed, _ := query.Pack(); len(packed) > 512 {
			s.handleDOHError(w, fmt.Errorf("query exceeds maximum size"), apierr.CodeTooLarge)
			return
		}
	}

	if s.dnsHandler == nil {
		s.handleDOHError(w, fmt.Errorf("dns handler not configured"), apierr.CodeNotConfigured)
		return
	}

	doh := &dohResponseWriter{clientIP: getClientIP(r)}
	s.dnsHandler.ServeDNS(doh, query)
	if doh.msg == nil {
		s.handleDOHError(w, fmt.Errorf("no response from resolver"), apierr.CodeRefreshFailed)
		return
	}

	accept := r.Header.Get("Accept")
	contentType := r.Header.Get("Content-Type")
	useJSON := !strings.Contains(accept, "application/dns-message")
	if strings.Contains(contentType, "application/dns-message") && r.Method == http.MethodPost {
		useJSON = false
	}
	if strings.Contains(accept, "application/dns-json") {
		useJSON = true
	}

	if useJSON {
		writeDNSJSON(w, doh.msg)
	} else {
		writeDNSWireFormat(w, doh.msg)
	}
}

func parseDNSQueryGET(r *http.Request) (*dns.Msg, error) {
	query := r.URL.Query()

	if encoded := query.Get("dns"); encoded != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid dns parameter: %w", err)
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(decoded); err != nil {
			return nil, fmt.Errorf("invalid dns message: %w", err)
		}
		return msg, nil
	}

	name := query.Get("name")
	if name == "" {
		return nil, fmt.Errorf("missing name or dns parameter")
	}
	qtype := dns.TypeA
	if typeStr := query.Get("type"); typeStr != "" {
		if qt, ok := dns.StringToType[strings.ToUpper(typeStr)]; ok {
			qtype = qt
		} else if n, err := strconv.Atoi(typeStr); err == nil {
			qtype = uint16(n)
		}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	return msg, nil
}

func parseDNSQueryPOST(r *http.Request) (*dns.Msg, error) {
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/dns-message") {
		return nil, fmt.Errorf("unsupported content type: %s", ct)
	}
	body := make([]byte, 0, 512)
	buf := make([]byte, 512)
	for {
		n, err := r.Body.Read(buf)
		body = append(body, buf[:n]...)
		if len(body) > 65536 {
			return nil, fmt.Errorf("request body too large")
		}
		if err != nil {
			break
		}
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, fmt.Errorf("invalid dns message: %w", err)
	}
	return msg, nil
}

func writeDNSWireFormat(w http.ResponseWriter, msg *dns.Msg) {
	packed, err := msg.Pack()
	if err != nil {
		writeError(w, apierr.CodeInternal, "failed to pack dns message")
		return
	}
	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", minAnswerTTL(msg)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(packed)
}

type dohQuestion struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

type dohAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type dohJSONResponse struct {
	Status   int           `json:"Status"`
	TC       bool          `json:"TC"`
	RD       bool          `json:"RD"`
	RA       bool          `json:"RA"`
	AD       bool          `json:"AD"`
	CD       bool          `json:"CD"`
	Question []dohQuestion `json:"Question,omitempty"`
	Answer   []dohAnswer   `json:"Answer,omitempty"`
}

func writeDNSJSON(w http.ResponseWriter, msg *dns.Msg) {
	resp := dohJSONResponse{
		Status: msg.Rcode, TC: msg.Truncated, RD: msg.RecursionDesired,
		RA: msg.RecursionAvailable, AD: msg.AuthenticatedData, CD: msg.CheckingDisabled,
	}
	for _, q := range msg.Question {
		resp.Question = append(resp.Question, dohQuestion{Name: strings.TrimSuffix(q.Name, "."), Type: q.Qtype})
	}
	for _, rr := range msg.Answer {
		header := rr.Header()
		resp.Answer = append(resp.Answer, dohAnswer{
			Name: strings.TrimSuffix(header.Name, "."), Type: header.Rrtype, TTL: header.Ttl, Data: rrData(rr),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func rrData(rr dns.RR) string {
	full := rr.String()
	parts := strings.SplitN(full, "\t", 5)
	if len(parts) == 5 {
		return parts[4]
	}
	return full
}

func minAnswerTTL(msg *dns.Msg) uint32 {
	if len(msg.Answer) == 0 {
		return 60
	}
	min := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < min {
			min = ttl
		}
	}
	return min
}

func (s *Server) handleDOHError(w http.ResponseWriter, err error, code apierr.Code) {
	s.logger.Error("doh request error", "error", err, "code", code)
	writeError(w, code, err.Error())
}
