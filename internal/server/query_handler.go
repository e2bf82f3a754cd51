// Package server implements the DNS listeners: UDP, TCP, and inbound DoH,
// all delegating actual query resolution to internal/query.
//
// Goroutine Model:
//
// The server spawns multiple goroutines for handling incoming queries:
//   - UDPServer: 1 receiver + N workers per CPU core
//   - TCPServer: 1 listener per CPU core + 1 handler per active connection
//
// All goroutines are coordinated through a shared context:
//   - Context is cancelled on shutdown signal (SIGINT/SIGTERM)
//   - All goroutines check context regularly and exit cleanly
//   - No long-lived blocking operations without context awareness
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrel-dns/kestrel/internal/dns"
	"github.com/kestrel-dns/kestrel/internal/query"
)

// QueryHandler adapts internal/query.Processor to the transport-level
// interface the listeners use: it additionally surfaces the parsed
// request (for EDNS-aware response truncation), which query.Result does
// not carry, alongside the result's source string (for debug logging).
type QueryHandler struct {
	Logger    *slog.Logger
	Processor *query.Processor
}

// HandleResult contains the outcome of query processing.
type HandleResult struct {
	ResponseBytes []byte
	Source        string
	Parsed        dns.Packet
	ParsedOK      bool
}

// Handle parses reqBytes (to recover EDNS sizing information for the
// caller) and delegates resolution to the Processor, which performs its
// own parse, cache lookup, rule routing, and upstream forwarding.
func (h *QueryHandler) Handle(ctx context.Context, transport string, src string, reqBytes []byte) HandleResult {
	parsed, parseErr := dns.ParseRequestBounded(reqBytes)

	res := h.Processor.Handle(ctx, reqBytes)

	if parseErr == nil {
		qname, qtype := extractQuestionInfo(parsed)
		h.logRequest(ctx, transport, src, parsed, qname, qtype, len(reqBytes), res.Source)
	}

	return HandleResult{
		ResponseBytes: res.ResponseBytes,
		Source:        res.Source,
		Parsed:        parsed,
		ParsedOK:      parseErr == nil,
	}
}

func extractQuestionInfo(parsed dns.Packet) (string, int) {
	q, ok := parsed.PrimaryQuestion()
	if !ok {
		return "<no-question>", -1
	}
	return q.Name, int(q.Type)
}

func (h *QueryHandler) logRequest(
	ctx context.Context,
	transport, src string,
	parsed dns.Packet,
	qname string,
	qtype int,
	reqLen int,
	source string,
) {
	if h.Logger == nil || !h.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	h.Logger.DebugContext(
		ctx,
		"dns request",
		"transport", transport,
		"src", src,
		"id", int(parsed.Header.ID),
		"qname", qname,
		"qtype", dns.RecordType(qtype).String(),
		"bytes", reqLen,
		"source", source,
	)
}

// defaultHandleTimeout mirrors query.Processor's own default so a
// QueryHandler constructed without an explicit Processor.Timeout still
// documents the bound callers can expect.
const defaultHandleTimeout = 4 * time.Second
