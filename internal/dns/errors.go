// Package dns provides DNS protocol parsing, encoding, and packet manipulation.
//
// Standards Compliance:
//
// This package implements DNS protocol features from the following RFCs:
//
//   - RFC 1035: Domain Names - Implementation and Specification (core DNS protocol)
//   - RFC 1034: Domain Names - Concepts and Facilities (DNS concepts)
//   - RFC 2308: Negative Caching of DNS Queries (NXDOMAIN, NODATA caching)
//   - RFC 3596: DNS Extensions to Support IPv6 (AAAA records)
//   - RFC 4034: DNSSEC Resource Records (DNSSEC records: RRSIG, DNSKEY, etc.)
//   - RFC 4035: DNSSEC Protocol Extensions (AD, CD flags)
//   - RFC 6891: Extension Mechanisms for DNS (EDNS, OPT records)
//
// Record Representation:
//
// Resource records are represented by a single generic Record struct whose
// Data field holds the raw RDATA bytes. This keeps ParsePacket/Marshal
// symmetric without a type switch per call site for every RR kind.
//
// Error Handling:
//
// Wire-format errors wrap ErrDNSError with context using
// fmt.Errorf("%w: ...", ErrDNSError); the request bounds checks in
// parsing.go return plain errors.
package dns

import "errors"

var (
	// ErrDNSError is a sentinel error type for DNS protocol violations.
	// Wrap this with fmt.Errorf("%w: context", ErrDNSError) to add context.
	ErrDNSError = errors.New("dns wire error")
)
