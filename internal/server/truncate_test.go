package server

import (
	"testing"

	"github.com/kestrel-dns/kestrel/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateUDPResponseSetsTCAndClearsCounts(t *testing.T) {
	resp := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: uint16(dns.QRFlag)},
		Questions: []dns.Question{{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
		Answers:   []dns.Record{{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 60, Data: []byte{1, 2, 3, 4}}},
	}
	b, err := resp.Marshal()
	require.NoError(t, err, "marshal failed")

	// Force truncation by capping maxSize below the full message but above
	// what the header + question alone take up.
	maxSize := len(b) - 1
	out := truncateUDPResponse(b, maxSize)
	require.LessOrEqual(t, len(out), maxSize, "expected <= %d bytes", maxSize)
	require.Less(t, len(out), len(b), "expected truncation to shrink the response")

	p, err := dns.ParsePacket(out)
	require.NoError(t, err, "parse failed")
	assert.NotZero(t, p.Header.Flags&uint16(dns.TCFlag), "TC flag not set")
	assert.Equal(t, uint16(0), p.Header.ANCount, "expected ANCount cleared")
	assert.Equal(t, uint16(0), p.Header.NSCount, "expected NSCount cleared")
	assert.Equal(t, uint16(0), p.Header.ARCount, "expected ARCount cleared")
	assert.Len(t, p.Questions, 1, "expected question preserved")
	assert.Equal(t, resp.Header.ID, p.Header.ID, "expected transaction ID preserved")
}

func TestTruncateUDPResponseSmallEnough(t *testing.T) {
	pkt := dns.Packet{
		Header: dns.Header{
			ID:      0x1234,
			Flags:   0x8180,
			QDCount: 1,
			ANCount: 1,
		},
		Questions: []dns.Question{
			{Name: "example.com", Type: uint16(dns.TypeA), Class: 1},
		},
		Answers: []dns.Record{
			{Name: "example.com", Type: uint16(dns.TypeA), Class: 1, TTL: 300, Data: []byte{1, 2, 3, 4}},
		},
	}

	respBytes, err := pkt.Marshal()
	require.NoError(t, err, "Marshal failed")

	truncated := truncateUDPResponse(respBytes, 4096)
	assert.Equal(t, len(respBytes), len(truncated), "expected unchanged response")
}

func TestTruncateUDPResponseZeroMaxSize(t *testing.T) {
	respBytes := make([]byte, 600)
	respBytes[0] = 0x12
	respBytes[1] = 0x34
	respBytes[2] = 0x81
	respBytes[3] = 0x80

	truncated := truncateUDPResponse(respBytes, 0)
	assert.LessOrEqual(t, len(truncated), dns.DefaultUDPPayloadSize, "expected truncation to default size")
}

func TestTruncateUDPResponseTooShort(t *testing.T) {
	shortResp := []byte{0x12, 0x34, 0x81, 0x80}
	result := truncateUDPResponse(shortResp, 512)
	assert.Equal(t, len(shortResp), len(result), "expected unchanged short response")
}

func TestTruncateUDPResponseUnparsableReturnsUnchanged(t *testing.T) {
	garbage := make([]byte, 600)
	for i := range garbage {
		garbage[i] = 0xFF
	}

	result := truncateUDPResponse(garbage, 100)
	assert.Equal(t, len(garbage), len(result), "expected unparsable response to pass through unchanged")
}

func TestTruncateUDPResponseOversizedQuestionReturnsUnchanged(t *testing.T) {
	longName := make([]byte, 0, 250)
	for i := 0; i < 10; i++ {
		longName = append(longName, []byte("sublabelname")...)
		if i < 9 {
			longName = append(longName, '.')
		}
	}
	pkt := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: 0x8180, QDCount: 1, ANCount: 1},
		Questions: []dns.Question{{Name: string(longName), Type: uint16(dns.TypeTXT), Class: 1}},
		Answers:   []dns.Record{{Name: string(longName), Type: uint16(dns.TypeTXT), Class: 1, TTL: 60, Data: make([]byte, 200)}},
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)

	// maxSize too small even for the truncated (question-only) form.
	result := truncateUDPResponse(b, dns.HeaderSize+10)
	assert.Equal(t, len(b), len(result), "expected unchanged response when truncated form still exceeds maxSize")
}
