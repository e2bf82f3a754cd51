// Package metrics collects counters for the rule router, the response
// cache, the remote feed loader, and the upstream groups. Every counter
// is backed by a Prometheus vector, scraped in the standard exposition
// format at /metrics, while the same observations also populate plain
// atomic fields a Snapshot method assembles into a point-in-time,
// JSON-friendly view for the admin API's own metrics route.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter kestrel exposes. It implements
// rules.Metrics, query.Metrics and upstream.Metrics (each defined at
// its own point of use) so a single instance can be wired through every
// package without any of them importing this one.
type Registry struct {
	promRegistry *prometheus.Registry

	promRuleMatches     *prometheus.CounterVec
	promResponses       *prometheus.CounterVec
	promCacheResults    *prometheus.CounterVec
	promFeedFetch       *prometheus.CounterVec
	promFeedSkipped     *prometheus.CounterVec
	promUpstreamReqs    *prometheus.CounterVec
	promUpstreamLatency *prometheus.HistogramVec
	promTransportEvents *prometheus.CounterVec

	transportEvents sync.Map // "<transport>/<event>" -> *atomic.Uint64

	ruleMatches  sync.Map // tier/outcome string -> *atomic.Uint64
	responses    sync.Map // "<rcode>/<source>" -> *atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64
	feedFetchOK  sync.Map // feedID -> *atomic.Uint64
	feedFetchErr sync.Map // feedID -> *atomic.Uint64
	feedSkipped  sync.Map // feedID -> *atomic.Uint64

	upstreamMu sync.Mutex
	upstreams  map[string]*upstreamStats // "<group>/<server>" -> stats
}

type upstreamStats struct {
	requests  uint64
	errors    uint64
	latencyNs uint64
}

// New returns an empty Registry, with a fresh Prometheus registry behind
// it, ready for use.
func New() *Registry {
	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		upstreams:    make(map[string]*upstreamStats),
	}

	r.promRuleMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Subsystem: "router", Name: "rule_matches_total",
		Help: "Routing decisions by rule tier/outcome label.",
	}, []string{"label"})
	r.promResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Name: "responses_total",
		Help: "Finished queries by RCODE and terminal pipeline stage.",
	}, []string{"rcode", "source"})
	r.promCacheResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Subsystem: "cache", Name: "lookups_total",
		Help: "Response cache lookups by hit/miss.",
	}, []string{"result"})
	r.promFeedFetch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Subsystem: "rules", Name: "feed_fetch_total",
		Help: "Remote rule feed refresh attempts by outcome.",
	}, []string{"feed_id", "result"})
	r.promFeedSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Subsystem: "rules", Name: "feed_skipped_lines_total",
		Help: "Remote rule feed lines discarded as unparseable.",
	}, []string{"feed_id"})
	r.promUpstreamReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Subsystem: "upstream", Name: "requests_total",
		Help: "DoH upstream round trips by group/server and outcome.",
	}, []string{"group", "server", "result"})
	r.promUpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel", Subsystem: "upstream", Name: "request_duration_seconds",
		Help:    "DoH upstream round-trip latency by group/server.",
		Buckets: prometheus.DefBuckets,
	}, []string{"group", "server"})
	r.promTransportEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel", Subsystem: "transport", Name: "events_total",
		Help: "Listener-level events (rate limited, connection refused, truncated) by transport and event.",
	}, []string{"transport", "event"})

	r.promRegistry.MustRegister(
		r.promRuleMatches,
		r.promResponses,
		r.promCacheResults,
		r.promFeedFetch,
		r.promFeedSkipped,
		r.promUpstreamReqs,
		r.promUpstreamLatency,
		r.promTransportEvents,
	)

	return r
}

// Handler returns the Prometheus scrape endpoint for this registry's
// metrics, in the standard text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{})
}

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

func loadCount(m *sync.Map, key string) uint64 {
	v, ok := m.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// ObserveRuleMatch records a routing decision. Satisfies both
// rules.Metrics (tier: "exact"/"wildcard"/"regex"/"global") and
// query.Metrics (outcome: "block"/"forward"/"drop") since both packages
// declare the identical one-string-argument method shape.
func (r *Registry) ObserveRuleMatch(s string) {
	bump(&r.ruleMatches, s)
	r.promRuleMatches.WithLabelValues(s).Inc()
}

// ObserveResponse records a finished query's final RCODE and the stage
// that produced it ("cache", "block", "upstream", "drop", "formerr",
// "servfail", "timeout", "shutdown").
func (r *Registry) ObserveResponse(rcode uint16, source string) {
	bump(&r.responses, rcodeSourceKey(rcode, source))
	r.promResponses.WithLabelValues(rcodeHex(rcode), source).Inc()
}

// ObserveCacheResult records a single cache lookup outcome.
func (r *Registry) ObserveCacheResult(hit bool) {
	if hit {
		r.cacheHits.Add(1)
		r.promCacheResults.WithLabelValues("hit").Inc()
	} else {
		r.cacheMisses.Add(1)
		r.promCacheResults.WithLabelValues("miss").Inc()
	}
}

// ObserveFeedFetch records the outcome of one remote rule-feed refresh
// attempt.
func (r *Registry) ObserveFeedFetch(feedID string, ok bool) {
	if ok {
		bump(&r.feedFetchOK, feedID)
		r.promFeedFetch.WithLabelValues(feedID, "ok").Inc()
	} else {
		bump(&r.feedFetchErr, feedID)
		r.promFeedFetch.WithLabelValues(feedID, "error").Inc()
	}
}

// ObserveFeedSkippedLines records n lines a feed parse discarded as
// unrecognized (an unknown v2ray prefix, a malformed regex).
func (r *Registry) ObserveFeedSkippedLines(feedID string, n int) {
	if n <= 0 {
		return
	}
	v, _ := r.feedSkipped.LoadOrStore(feedID, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(uint64(n))
	r.promFeedSkipped.WithLabelValues(feedID).Add(float64(n))
}

// ObserveUpstreamRequest records one completed upstream DoH round trip.
func (r *Registry) ObserveUpstreamRequest(group, server string, ok bool, latency time.Duration) {
	key := group + "/" + server
	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()
	s, exists := r.upstreams[key]
	if !exists {
		s = &upstreamStats{}
		r.upstreams[key] = s
	}
	s.requests++
	if !ok {
		s.errors++
	}
	s.latencyNs += uint64(latency.Nanoseconds())

	result := "ok"
	if !ok {
		result = "error"
	}
	r.promUpstreamReqs.WithLabelValues(group, server, result).Inc()
	r.promUpstreamLatency.WithLabelValues(group, server).Observe(latency.Seconds())
}

// ObserveTransportEvent records a listener-level event that isn't a
// completed query: a packet dropped by the per-IP/global rate limiter, a
// TCP connection refused for exceeding the per-IP limit, a UDP response
// truncated to fit the client's advertised buffer size. transport is
// "udp", "tcp", or "doh".
func (r *Registry) ObserveTransportEvent(transport, event string) {
	bump(&r.transportEvents, transport+"/"+event)
	r.promTransportEvents.WithLabelValues(transport, event).Inc()
}

func rcodeSourceKey(rcode uint16, source string) string {
	b := make([]byte, 0, len(source)+6)
	b = append(b, rcodeHex(rcode)...)
	b = append(b, '/')
	b = append(b, source...)
	return string(b)
}

func rcodeHex(rcode uint16) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[(rcode>>4)&0xf], hexDigits[rcode&0xf]})
}
