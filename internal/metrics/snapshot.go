package metrics

import "sync/atomic"

// RuleMatchCount pairs a tier/outcome label with its observed count.
type RuleMatchCount struct {
	Label string `json:"label"`
	Count uint64 `json:"count"`
}

// ResponseCount pairs an "rcode/source" label with its observed count.
type ResponseCount struct {
	Label string `json:"label"`
	Count uint64 `json:"count"`
}

// FeedStat summarizes one remote feed's refresh history.
type FeedStat struct {
	FeedID       string `json:"feed_id"`
	FetchOK      uint64 `json:"fetch_ok"`
	FetchErr     uint64 `json:"fetch_err"`
	SkippedLines uint64 `json:"skipped_lines"`
}

// UpstreamStat summarizes one upstream server's request history.
type UpstreamStat struct {
	Group          string  `json:"group"`
	Server         string  `json:"server"`
	Requests       uint64  `json:"requests"`
	Errors         uint64  `json:"errors"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// TransportEventCount pairs a "<transport>/<event>" label with its
// observed count.
type TransportEventCount struct {
	Label string `json:"label"`
	Count uint64 `json:"count"`
}

// Snapshot is a point-in-time view of every counter, suitable for JSON
// encoding by the admin API's /metrics handler.
type Snapshot struct {
	RuleMatches     []RuleMatchCount      `json:"rule_matches"`
	Responses       []ResponseCount       `json:"responses"`
	CacheHits       uint64                `json:"cache_hits"`
	CacheMisses     uint64                `json:"cache_misses"`
	Feeds           []FeedStat            `json:"feeds"`
	Upstreams       []UpstreamStat        `json:"upstreams"`
	TransportEvents []TransportEventCount `json:"transport_events"`
}

// Snapshot assembles the current value of every counter.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		CacheHits:   r.cacheHits.Load(),
		CacheMisses: r.cacheMisses.Load(),
	}

	r.ruleMatches.Range(func(k, v any) bool {
		s.RuleMatches = append(s.RuleMatches, RuleMatchCount{Label: k.(string), Count: v.(*atomic.Uint64).Load()})
		return true
	})
	r.responses.Range(func(k, v any) bool {
		s.Responses = append(s.Responses, ResponseCount{Label: k.(string), Count: v.(*atomic.Uint64).Load()})
		return true
	})

	feedIDs := make(map[string]struct{})
	r.feedFetchOK.Range(func(k, _ any) bool { feedIDs[k.(string)] = struct{}{}; return true })
	r.feedFetchErr.Range(func(k, _ any) bool { feedIDs[k.(string)] = struct{}{}; return true })
	r.feedSkipped.Range(func(k, _ any) bool { feedIDs[k.(string)] = struct{}{}; return true })
	for id := range feedIDs {
		s.Feeds = append(s.Feeds, FeedStat{
			FeedID:       id,
			FetchOK:      loadCount(&r.feedFetchOK, id),
			FetchErr:     loadCount(&r.feedFetchErr, id),
			SkippedLines: loadCount(&r.feedSkipped, id),
		})
	}

	r.upstreamMu.Lock()
	for key, stat := range r.upstreams {
		group, server := splitUpstreamKey(key)
		avgMs := 0.0
		if stat.requests > 0 {
			avgMs = float64(stat.latencyNs) / float64(stat.requests) / 1e6
		}
		s.Upstreams = append(s.Upstreams, UpstreamStat{
			Group: group, Server: server,
			Requests: stat.requests, Errors: stat.errors, AvgLatencyMs: avgMs,
		})
	}
	r.upstreamMu.Unlock()

	r.transportEvents.Range(func(k, v any) bool {
		s.TransportEvents = append(s.TransportEvents, TransportEventCount{Label: k.(string), Count: v.(*atomic.Uint64).Load()})
		return true
	})

	return s
}

func splitUpstreamKey(key string) (group, server string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
