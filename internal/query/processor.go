// Package query implements the query processing state machine:
// Received -> Parsed -> Routed -> (Block | Forward -> Upstreaming) | Drop
// -> Done, wiring together the response cache, the rule router, and the
// upstream group manager on every inbound DNS message regardless of
// which listener (UDP, TCP, DoH) received it.
package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrel-dns/kestrel/internal/cache"
	"github.com/kestrel-dns/kestrel/internal/dns"
	"github.com/kestrel-dns/kestrel/internal/rules"
	"github.com/kestrel-dns/kestrel/internal/upstream"
)

// Metrics is the subset of internal/metrics the processor reports
// through. Defined at the point of use so this package does not import
// internal/metrics.
type Metrics interface {
	ObserveRuleMatch(outcome string)
	ObserveResponse(rcode uint16, source string)
	ObserveCacheResult(hit bool)
}

// Result is the outcome of processing a single query.
type Result struct {
	ResponseBytes []byte
	Source        string // "cache", "block", "upstream", "drop", "formerr", "parse-error", "servfail", "timeout", "shutdown"
}

// Processor implements the state machine described in the package doc.
type Processor struct {
	Logger    *slog.Logger
	Cache     *cache.Cache
	Rules     *rules.Store
	Upstreams *upstream.Manager
	Metrics   Metrics
	Timeout   time.Duration
}

// Handle runs one request through Parsed -> Routed -> ... -> Done. It
// never panics on malformed input: a request that fails to parse yields
// a FORMERR (or, if even the header is unreadable, no response at all,
// matching RFC 1035's silence-on-garbage behavior).
func (p *Processor) Handle(ctx context.Context, reqBytes []byte) Result {
	parsed, err := dns.ParseRequestBounded(reqBytes)
	if err != nil {
		return p.handleParseError(reqBytes)
	}

	q, _ := parsed.PrimaryQuestion()
	qnameLC, qtype, qclass := q.Key()
	if !strings.HasSuffix(qnameLC, ".") {
		qnameLC += "."
	}

	if p.Cache != nil {
		key := cache.Key{NameLC: qnameLC, QType: qtype, QClass: qclass}
		if entry, _, ok := p.Cache.Lookup(key); ok {
			p.observeCache(true)
			resp := dns.PatchTransactionID(entry.ResponseBytes, parsed.Header.ID)
			p.observeResponse(entry.StoredRCode, "cache")
			return Result{ResponseBytes: resp, Source: "cache"}
		}
		p.observeCache(false)
	}

	snap := p.loadSnapshot()
	decision := rules.Decide(qnameLC, snap)

	switch decision.Outcome {
	case rules.OutcomeBlock:
		p.observeRule("block")
		resp := p.buildRCodeResponse(parsed, dns.RCodeNXDomain)
		p.observeResponse(uint16(dns.RCodeNXDomain), "block")
		return Result{ResponseBytes: resp, Source: "block"}
	case rules.OutcomeForward:
		p.observeRule("forward")
		return p.forwardWithTimeout(ctx, parsed, reqBytes, qnameLC, qtype, decision.Group)
	default:
		p.observeRule("drop")
		resp := p.buildRCodeResponse(parsed, dns.RCodeServFail)
		p.observeResponse(uint16(dns.RCodeServFail), "drop")
		return Result{ResponseBytes: resp, Source: "drop"}
	}
}

func (p *Processor) loadSnapshot() *rules.Snapshot {
	if p.Rules == nil {
		return nil
	}
	return p.Rules.Load()
}

func (p *Processor) handleParseError(reqBytes []byte) Result {
	resp := tryBuildErrorFromRaw(reqBytes, uint16(dns.RCodeFormErr))
	if resp == nil {
		return Result{Source: "parse-error"}
	}
	p.observeResponse(uint16(dns.RCodeFormErr), "formerr")
	return Result{ResponseBytes: resp, Source: "formerr"}
}

func (p *Processor) buildRCodeResponse(parsed dns.Packet, rcode dns.RCode) []byte {
	b, err := dns.BuildErrorResponse(parsed, uint16(rcode)).Marshal()
	if err != nil {
		return nil
	}
	return b
}

// forwardWithTimeout resolves a query through the named upstream group,
// bounding total time with a goroutine-per-query pattern so a single
// slow upstream never blocks the caller's worker past Timeout.
func (p *Processor) forwardWithTimeout(ctx context.Context, parsed dns.Packet, reqBytes []byte, qnameLC string, qtype uint16, groupName string) Result {
	group, ok := p.Upstreams.Group(groupName)
	if !ok {
		p.logger().WarnContext(ctx, "forward rule names unknown upstream group", "group", groupName)
		p.observeResponse(uint16(dns.RCodeServFail), "servfail")
		return Result{ResponseBytes: p.buildRCodeResponse(parsed, dns.RCodeServFail), Source: "servfail"}
	}

	type outcome struct {
		resp []byte
		err  error
	}
	resCh := make(chan outcome, 1)
	normalizedQuery := dns.PatchTransactionID(reqBytes, 0)
	go func() {
		resp, err := group.Send(ctx, normalizedQuery, qnameLC, qtype)
		resCh <- outcome{resp: resp, err: err}
	}()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		p.observeResponse(uint16(dns.RCodeServFail), "shutdown")
		return Result{ResponseBytes: p.buildRCodeResponse(parsed, dns.RCodeServFail), Source: "shutdown"}
	case <-timer.C:
		p.observeResponse(uint16(dns.RCodeServFail), "timeout")
		return Result{ResponseBytes: p.buildRCodeResponse(parsed, dns.RCodeServFail), Source: "timeout"}
	case r := <-resCh:
		if r.err != nil {
			p.logger().WarnContext(ctx, "upstream group failed", "group", groupName, "error", r.err)
			p.observeResponse(uint16(dns.RCodeServFail), "servfail")
			return Result{ResponseBytes: p.buildRCodeResponse(parsed, dns.RCodeServFail), Source: "servfail"}
		}
		respBytes := dns.PatchTransactionID(r.resp, parsed.Header.ID)
		rcode := p.maybeCache(qnameLC, qtype, parsed.Questions[0].Class, respBytes)
		p.observeResponse(rcode, "upstream")
		return Result{ResponseBytes: respBytes, Source: "upstream"}
	}
}

// maybeCache inserts a positive or negative upstream response into the
// cache when its effective TTL is positive, and returns the response's
// RCODE for metrics observation (SERVFAIL when the response does not parse).
func (p *Processor) maybeCache(qnameLC string, qtype, qclass uint16, respBytes []byte) uint16 {
	resp, err := dns.ParsePacket(respBytes)
	if err != nil {
		return uint16(dns.RCodeServFail)
	}
	rcode := uint16(dns.RCodeFromFlags(resp.Header.Flags))
	if p.Cache == nil {
		return rcode
	}

	negative := cache.IsNegativeResponse(rcode, len(resp.Answers))
	var baseTTL time.Duration
	if negative {
		baseTTL = 0 // Cache.EffectiveTTL substitutes NegativeTTL for negative entries
	} else {
		baseTTL = time.Duration(dns.MinimumTTL(resp.Answers)) * time.Second
	}
	effective := p.Cache.EffectiveTTL(baseTTL, negative)
	if effective <= 0 {
		return rcode
	}

	key := cache.Key{NameLC: qnameLC, QType: qtype, QClass: qclass}
	cached := dns.PatchTransactionID(respBytes, 0)
	p.Cache.Insert(key, cached, effective, rcode, negative)
	return rcode
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Processor) observeRule(outcome string) {
	if p.Metrics != nil {
		p.Metrics.ObserveRuleMatch(outcome)
	}
}

func (p *Processor) observeCache(hit bool) {
	if p.Metrics != nil {
		p.Metrics.ObserveCacheResult(hit)
	}
}

func (p *Processor) observeResponse(rcode uint16, source string) {
	if p.Metrics != nil {
		p.Metrics.ObserveResponse(rcode, source)
	}
}

// tryBuildErrorFromRaw attempts to construct a FORMERR response from raw
// bytes whose header (and, if present, first question) can still be
// decoded even though the overall message failed bounded parsing.
// Returns nil if even the header cannot be read.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	h, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}

	var questions []dns.Question
	if h.QDCount > 0 {
		q, err := dns.ParseQuestion(reqBytes, &off)
		if err == nil {
			questions = []dns.Question{q}
		}
	}

	pkt := dns.Packet{Header: dns.Header{ID: h.ID, Flags: h.Flags}, Questions: questions}
	b, err := dns.BuildErrorResponse(pkt, rcode).Marshal()
	if err != nil {
		return nil
	}
	return b
}
