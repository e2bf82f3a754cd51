package server

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dns/kestrel/internal/cache"
	"github.com/kestrel-dns/kestrel/internal/dns"
	"github.com/kestrel-dns/kestrel/internal/query"
	"github.com/kestrel-dns/kestrel/internal/rules"
)

func buildTestQuery(t *testing.T, qname string, qtype dns.RecordType) []byte {
	t.Helper()
	p := dns.Packet{
		Header: dns.Header{ID: 1234, Flags: dns.RDFlag, QDCount: 1},
		Questions: []dns.Question{
			{Name: qname, Type: uint16(qtype), Class: uint16(dns.ClassIN)},
		},
	}
	b, err := p.Marshal()
	require.NoError(t, err, "failed to marshal test query")
	return b
}

func newHandlerTestCache() *cache.Cache {
	return cache.New(cache.Config{MaxEntries: 100, MinTTL: time.Second, MaxTTL: time.Hour, NegativeTTL: 30 * time.Second})
}

func TestQueryHandlerHandleDropIsParsedOK(t *testing.T) {
	snap, _, err := rules.Build(nil, nil, nil, nil)
	require.NoError(t, err)
	h := &QueryHandler{Processor: &query.Processor{Cache: newHandlerTestCache(), Rules: rules.NewStore(snap)}}

	queryBytes := buildTestQuery(t, "example.com", dns.TypeA)
	result := h.Handle(context.Background(), "udp", "192.168.1.1:12345", queryBytes)

	assert.True(t, result.ParsedOK)
	assert.Equal(t, "drop", result.Source)
	assert.NotEmpty(t, result.ResponseBytes)
	assert.Equal(t, "example.com", result.Parsed.Questions[0].Name)
}

func TestQueryHandlerHandleParseErrorStillReturnsResponse(t *testing.T) {
	h := &QueryHandler{Processor: &query.Processor{Cache: newHandlerTestCache()}}

	// Too short to be a valid header.
	result := h.Handle(context.Background(), "udp", "192.168.1.1:12345", []byte{0x00, 0x01})

	assert.False(t, result.ParsedOK)
}

func TestQueryHandlerHandleWithLogger(t *testing.T) {
	queryBytes := buildTestQuery(t, "example.com", dns.TypeA)
	snap, _, err := rules.Build(nil, nil, nil, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := &QueryHandler{
		Logger:    logger,
		Processor: &query.Processor{Cache: newHandlerTestCache(), Rules: rules.NewStore(snap)},
	}

	result := h.Handle(context.Background(), "tcp", "10.0.0.1:54321", queryBytes)
	assert.True(t, result.ParsedOK)
}

func TestExtractQuestionInfo(t *testing.T) {
	tests := []struct {
		name      string
		packet    dns.Packet
		wantQName string
		wantQType int
	}{
		{
			name: "with question",
			packet: dns.Packet{
				Questions: []dns.Question{
					{Name: "test.example.com", Type: uint16(dns.TypeAAAA), Class: uint16(dns.ClassIN)},
				},
			},
			wantQName: "test.example.com",
			wantQType: int(dns.TypeAAAA),
		},
		{
			name:      "no question",
			packet:    dns.Packet{},
			wantQName: "<no-question>",
			wantQType: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qname, qtype := extractQuestionInfo(tt.packet)
			assert.Equal(t, tt.wantQName, qname)
			assert.Equal(t, tt.wantQType, qtype)
		})
	}
}
