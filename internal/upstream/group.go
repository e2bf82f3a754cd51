package upstream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Dialer performs one DoH request/response round trip against a single
// server. Defined at the point of use so this package does not import
// internal/doh; internal/doh.Client satisfies it structurally.
type Dialer interface {
	Call(ctx context.Context, s Server, queryBytes []byte, qnameLC string, qtype uint16) ([]byte, error)
}

// retryableError is implemented by errors that know whether a retry is
// worth attempting (internal/doh.HTTPStatusError: 5xx and 429 are
// retryable, other 4xx are not). An error that does not implement it
// (a transport-level failure, a context deadline) is treated as
// retryable, matching SPEC_FULL §4.6's "transport errors are retried".
type retryableError interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

const unhealthyCooldown = time.Minute

// Metrics is the subset of internal/metrics a Group reports per-request
// outcomes through. Defined at the point of use so this package does not
// import internal/metrics. Nil-safe: a Group with no Metrics set simply
// skips observation.
type Metrics interface {
	ObserveUpstreamRequest(group, server string, ok bool, latency time.Duration)
}

// Group is a named set of upstream DoH servers sharing a load-balancing
// strategy, a retry policy, and (via the shared Dialer) an HTTP client
// and optional proxy.
type Group struct {
	Name    string
	Servers []Server
	Retry   RetryPolicy
	Metrics Metrics

	dialer Dialer
	lb     balancer

	healthMu  sync.Mutex
	unhealthy map[int]time.Time // server index -> time it was marked unhealthy
}

// NewGroup constructs a Group. dialer performs the actual HTTP round
// trip and is shared across groups (single connection-pooled client),
// per SPEC_FULL §4.7.
func NewGroup(name string, servers []Server, strategy Strategy, retry RetryPolicy, dialer Dialer) (*Group, error) {
	if len(servers) == 0 {
		return nil, errors.New("upstream: group " + name + " has no servers")
	}
	return &Group{
		Name:      name,
		Servers:   servers,
		Retry:     retry.normalized(),
		dialer:    dialer,
		lb:        newBalancer(strategy, servers),
		unhealthy: make(map[int]time.Time),
	}, nil
}

// Send forwards queryBytes to one server in the group, retrying against
// the same or a different server (per the group's balancer) up to
// Retry.MaxAttempts times with capped exponential backoff, per
// SPEC_FULL §4.6. It returns the first successful response, or the last
// error observed if every attempt fails.
func (g *Group) Send(ctx context.Context, queryBytes []byte, qnameLC string, qtype uint16) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < g.Retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		idx := g.pick()
		start := time.Now()
		resp, err := g.dialer.Call(ctx, g.Servers[idx], queryBytes, qnameLC, qtype)
		if g.Metrics != nil {
			g.Metrics.ObserveUpstreamRequest(g.Name, g.Servers[idx].Name, err == nil, time.Since(start))
		}
		if err == nil {
			g.markHealthy(idx)
			return resp, nil
		}
		lastErr = err
		g.markUnhealthy(idx)

		if !isRetryable(err) {
			return nil, err
		}
		if attempt == g.Retry.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt, g.Retry)):
		}
	}
	return nil, lastErr
}

// pick selects a server index, preferring healthy servers but falling
// back to the full set if every server is currently marked unhealthy
// (matching the "all upstreams failed -> retry from scratch" behavior
// used by the wire-protocol forwarder this package generalizes).
func (g *Group) pick() int {
	candidates := g.healthyCandidates()
	if len(candidates) == 0 {
		candidates = allIndexes(len(g.Servers))
	}
	return g.lb.next(candidates)
}

func (g *Group) healthyCandidates() []int {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()

	out := make([]int, 0, len(g.Servers))
	for i := range g.Servers {
		failedAt, bad := g.unhealthy[i]
		if !bad || time.Since(failedAt) >= unhealthyCooldown {
			out = append(out, i)
		}
	}
	return out
}

func (g *Group) markUnhealthy(idx int) {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	if _, ok := g.unhealthy[idx]; !ok {
		g.unhealthy[idx] = time.Now()
	}
}

func (g *Group) markHealthy(idx int) {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	delete(g.unhealthy, idx)
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Manager holds every configured Group, keyed by name.
type Manager struct {
	groups map[string]*Group
}

func NewManager(groups []*Group) *Manager {
	m := &Manager{groups: make(map[string]*Group, len(groups))}
	for _, g := range groups {
		m.groups[g.Name] = g
	}
	return m
}

func (m *Manager) Group(name string) (*Group, bool) {
	g, ok := m.groups[name]
	return g, ok
}
