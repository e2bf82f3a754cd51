package dns

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrUnsupportedQType is returned when a Google-JSON answer names a record
// type this forwarder does not know how to re-encode to wire format.
var ErrUnsupportedQType = fmt.Errorf("%w: unsupported qtype for json dialect", ErrDNSError)

// GoogleJSONQuestion mirrors the "Question" array of a dns-json response.
type GoogleJSONQuestion struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// GoogleJSONAnswer mirrors one entry of the "Answer"/"Authority"/"Additional"
// arrays of a dns-json response (application/dns-json, RFC 8484 §5 note).
type GoogleJSONAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// GoogleJSONResponse is the top-level shape returned by dns-json upstreams
// such as Google's and Cloudflare's DoH-JSON endpoints.
type GoogleJSONResponse struct {
	Status   int                  `json:"Status"`
	TC       bool                 `json:"TC"`
	RD       bool                 `json:"RD"`
	RA       bool                 `json:"RA"`
	AD       bool                 `json:"AD"`
	CD       bool                 `json:"CD"`
	Question []GoogleJSONQuestion `json:"Question"`
	Answer   []GoogleJSONAnswer   `json:"Answer"`
	Authority []GoogleJSONAnswer  `json:"Authority"`
	Additional []GoogleJSONAnswer `json:"Additional"`
}

// FromGoogleJSON translates a dns-json response body into a wire-format DNS
// message whose question section and transaction id are taken from req.
// Supports A, AAAA, MX, TXT, CNAME, NS, and PTR record types; any other type present
// in the body's answer/authority/additional sections yields
// ErrUnsupportedQType.
func FromGoogleJSON(req Packet, body []byte) ([]byte, error) {
	var jr GoogleJSONResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		return nil, fmt.Errorf("%w: decoding dns-json body: %v", ErrDNSError, err)
	}

	answers, err := jsonAnswersToRecords(jr.Answer)
	if err != nil {
		return nil, err
	}
	authorities, err := jsonAnswersToRecords(jr.Authority)
	if err != nil {
		return nil, err
	}
	additionals, err := jsonAnswersToRecords(jr.Additional)
	if err != nil {
		return nil, err
	}

	hdr := Header{
		ID:      req.Header.ID,
		QDCount: uint16(len(req.Questions)),
		ANCount: uint16(len(answers)),
		NSCount: uint16(len(authorities)),
		ARCount: uint16(len(additionals)),
	}
	hdr.Flags |= QRFlag
	if req.Header.Flags&RDFlag != 0 {
		hdr.Flags |= RDFlag
	}
	if jr.RA {
		hdr.Flags |= RAFlag
	}
	if jr.AD {
		hdr.Flags |= ADFlag
	}
	if jr.CD {
		hdr.Flags |= CDFlag
	}
	hdr.Flags |= uint16(jr.Status) & RCodeMask

	pkt := Packet{
		Header:      hdr,
		Questions:   req.Questions,
		Answers:     answers,
		Authorities: authorities,
		Additionals: additionals,
	}
	return pkt.Marshal()
}

func jsonAnswersToRecords(in []GoogleJSONAnswer) ([]Record, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Record, 0, len(in))
	for _, a := range in {
		data, err := jsonRDataToRecordData(uint16(a.Type), a.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{
			Name:  NormalizeName(a.Name),
			Type:  uint16(a.Type),
			Class: uint16(ClassIN),
			TTL:   a.TTL,
			Data:  data,
		})
	}
	return out, nil
}

func jsonRDataToRecordData(qtype uint16, data string) (any, error) {
	switch RecordType(qtype) {
	case TypeA:
		ip := net.ParseIP(data).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid A data %q", ErrDNSError, data)
		}
		return []byte(ip), nil
	case TypeAAAA:
		ip := net.ParseIP(data).To16()
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid AAAA data %q", ErrDNSError, data)
		}
		return []byte(ip), nil
	case TypeMX:
		pref, exchange, err := splitMXData(data)
		if err != nil {
			return nil, err
		}
		return MXData{Preference: pref, Exchange: exchange}, nil
	case TypeTXT:
		return strings.Trim(data, `"`), nil
	case TypeCNAME, TypeNS, TypePTR:
		return strings.TrimSuffix(data, ".") + ".", nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedQType, qtype)
	}
}

// splitMXData parses the "<preference> <exchange>" form used by dns-json MX
// answers, e.g. "10 mail.example.com.".
func splitMXData(data string) (uint16, string, error) {
	fields := strings.Fields(data)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("%w: malformed MX data %q", ErrDNSError, data)
	}
	pref, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed MX preference %q", ErrDNSError, fields[0])
	}
	return uint16(pref), fields[1], nil
}
