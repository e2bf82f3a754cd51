package server

import "github.com/kestrel-dns/kestrel/internal/dns"

// truncateUDPResponse returns respBytes unchanged if it already fits
// within maxSize. Otherwise it reparses the response and re-marshals
// only its header and question section with the TC flag set (RFC 1035
// §4.1.1), signalling the client to retry the query over TCP.
//
// A response that fails to reparse, or whose truncated form still
// exceeds maxSize (an oversized question section, which compression
// cannot always shrink below the UDP limit), is returned unchanged: the
// caller still writes something rather than silently dropping the
// datagram, and a client that can't parse an over-limit UDP answer will
// retry over TCP on its own timeout.
func truncateUDPResponse(respBytes []byte, maxSize int) []byte {
	if maxSize <= 0 {
		maxSize = dns.DefaultUDPPayloadSize
	}
	if len(respBytes) <= maxSize {
		return respBytes
	}

	pkt, err := dns.ParsePacket(respBytes)
	if err != nil {
		return respBytes
	}

	out, err := pkt.Truncate().Marshal()
	if err != nil || len(out) > maxSize {
		return respBytes
	}
	return out
}
