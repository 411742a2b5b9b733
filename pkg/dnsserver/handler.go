package dnsserver

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/cache"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/forwarder"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/telemetry"
)

// Decider is the subset of policy.Engine the handler depends on.
type Decider interface {
	Decide(queryName, clientIP, queryType string, now time.Time) policy.Decision
}

// Handler implements dns.Handler, running the decode → decide → {forward,
// synthesize, cache} → reply → log state machine for every query.
type Handler struct {
	Decider   Decider
	Cache     *cache.Cache
	Forwarder *forwarder.Forwarder
	Store     storage.Store
	Logger    *logging.Logger
	Metrics   *telemetry.Metrics

	// ShadowResolveBlocked forwards a BLOCKED query upstream purely for
	// query-log analytics; the client still receives NXDOMAIN.
	ShadowResolveBlocked bool
	// DecisionTrace enables capturing BlockTraceEntry annotations.
	DecisionTrace bool

	msgPool sync.Pool
}

// NewHandler builds a Handler with its message pool initialized.
func NewHandler(decider Decider, c *cache.Cache, fwd *forwarder.Forwarder, store storage.Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Global()
	}
	h := &Handler{Decider: decider, Cache: c, Forwarder: fwd, Store: store, Logger: logger}
	h.msgPool.New = func() any { return new(dns.Msg) }
	return h
}

// SetMetrics attaches the telemetry instruments the handler records
// resolution counters and durations against; nil disables recording.
func (h *Handler) SetMetrics(m *telemetry.Metrics) { h.Metrics = m }

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	start := time.Now()

	if len(req.Question) == 0 {
		_ = w.WriteMsg(synthesizeServfail(req))
		return
	}
	q := req.Question[0]
	queryName := q.Name
	queryType := dns.TypeToString[q.Qtype]
	clientIP := HostFromAddr(w.RemoteAddr())

	resp, logEntry := h.resolve(req, queryName, queryType, clientIP, q.Qtype)
	logEntry.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	_ = w.WriteMsg(resp)
	h.recordMetrics(logEntry, queryType)

	go h.asyncLogQuery(logEntry)
}

func (h *Handler) recordMetrics(entry storage.QueryLogEntry, queryType string) {
	if h.Metrics == nil {
		return
	}
	ctx := context.Background()
	h.Metrics.ResolutionsTotal.Add(ctx, 1)
	h.Metrics.ResolutionsByStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", entry.Status)))
	h.Metrics.ResolutionsByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", queryType)))
	h.Metrics.ResolutionDuration.Record(ctx, entry.DurationMs)
	if entry.Status == "CACHED" {
		h.Metrics.CacheHits.Add(ctx, 1)
	} else {
		h.Metrics.CacheMisses.Add(ctx, 1)
	}
}

func (h *Handler) resolve(req *dns.Msg, queryName, queryType, clientIP string, qtype uint16) (*dns.Msg, storage.QueryLogEntry) {
	entry := storage.QueryLogEntry{
		Timestamp: time.Now(), Domain: policy.Normalize(queryName), Type: queryType, ClientIP: clientIP,
	}

	decision := h.Decider.Decide(queryName, clientIP, queryType, time.Now())
	entry.BlocklistID = decision.BlocklistID
	entry.ProtectionPaused = decision.ProtectionPaused

	switch decision.Status {
	case policy.StatusRewritten:
		resp := synthesizeRewrite(req, decision.RewriteTarget)
		entry.Status = "PERMITTED"
		entry.AnswerIPs = extractAnswerIPs(resp)
		return resp, entry

	case policy.StatusBlocked:
		resp := synthesizeBlocked(req)
		entry.Status = "BLOCKED"
		if h.ShadowResolveBlocked {
			if upstream, err := h.Forwarder.Forward(context.Background(), req); err == nil {
				entry.AnswerIPs = extractAnswerIPs(upstream)
			}
		}
		return resp, entry

	case policy.StatusShadowBlocked:
		upstream, err := h.Forwarder.Forward(context.Background(), req)
		if err != nil {
			resp := synthesizeServfail(req)
			entry.Status = "BLOCKED"
			return resp, entry
		}
		upstream.Id = req.Id
		entry.Status = "SHADOW_BLOCKED"
		entry.AnswerIPs = extractAnswerIPs(upstream)
		// Shadow mode still returns the upstream answer to the caller.
		return upstream, entry

	default: // PERMITTED
		if cached, ok := h.Cache.Get(queryName, qtype); ok {
			resp := new(dns.Msg)
			if err := resp.Unpack(cached); err == nil {
				resp.Id = req.Id
				entry.Status = "CACHED"
				entry.AnswerIPs = extractAnswerIPs(resp)
				return resp, entry
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		upstream, err := h.Forwarder.Forward(ctx, req)
		if err != nil {
			resp := synthesizeServfail(req)
			entry.Status = "PERMITTED"
			return resp, entry
		}
		upstream.Id = req.Id
		h.Cache.Set(queryName, qtype, upstream)
		entry.Status = "PERMITTED"
		entry.AnswerIPs = extractAnswerIPs(upstream)
		return upstream, entry
	}
}

// asyncLogQuery appends the log entry off the reply path; it is bounded by
// its own timeout so a slow store never backs up query handling.
func (h *Handler) asyncLogQuery(entry storage.QueryLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Store.AppendQueryLog(ctx, entry); err != nil {
		h.Logger.Error("query log append failed", "error", err, "domain", entry.Domain)
		if h.Metrics != nil {
			h.Metrics.QueryLogDropped.Add(context.Background(), 1)
		}
	}
}
