// Package codec decodes raw DNS datagrams into normalized queries and encodes
// wire-ready responses, handling name compression and UDP truncation.
package codec

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ErrMalformed is returned for input that cannot be parsed as a DNS query.
// Callers drop such input without answering; there may be no valid
// transaction id to answer with.
var ErrMalformed = errors.New("malformed DNS message")

const (
	// MinUDPSize is the classic DNS UDP payload limit (RFC 1035).
	MinUDPSize = 512

	// MaxUDPSize caps the EDNS0 payload size we honor to avoid fragmentation.
	MaxUDPSize = 4096

	// MaxTCPSize is the largest message a TCP response may carry.
	MaxTCPSize = dns.MaxMsgSize
)

// Transport identifies how a query arrived.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

// String returns the transport name.
func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Query is an immutable, normalized representation of one inbound question.
type Query struct {
	// Msg is the parsed request, kept for echoing the question and flags.
	Msg *dns.Msg

	ID    uint16
	Name  string // lowercased, trailing-dot FQDN
	Type  uint16
	Class uint16

	RecursionDesired bool
	Transport        Transport
	ClientAddr       net.Addr

	// UDPSize is the negotiated EDNS0 payload size, MinUDPSize when absent.
	UDPSize uint16
}

// Decode parses a raw DNS message into a Query. The returned query name is
// case-normalized and FQDN-normalized so it can be used directly as a
// blocklist and cache lookup key.
func Decode(buf []byte, transport Transport, client net.Addr) (*Query, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if msg.Response {
		return nil, fmt.Errorf("%w: message is a response", ErrMalformed)
	}
	if len(msg.Question) == 0 {
		return nil, fmt.Errorf("%w: no question section", ErrMalformed)
	}

	question := msg.Question[0]
	name := NormalizeName(question.Name)
	if _, ok := dns.IsDomainName(name); !ok {
		return nil, fmt.Errorf("%w: invalid query name %q", ErrMalformed, question.Name)
	}

	q := &Query{
		Msg:              msg,
		ID:               msg.Id,
		Name:             name,
		Type:             question.Qtype,
		Class:            question.Qclass,
		RecursionDesired: msg.RecursionDesired,
		Transport:        transport,
		ClientAddr:       client,
		UDPSize:          MinUDPSize,
	}

	if opt := msg.IsEdns0(); opt != nil {
		q.UDPSize = clampUDPSize(opt.UDPSize())
	}

	return q, nil
}

// NormalizeName lowercases a domain name and ensures the trailing dot.
func NormalizeName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// ResponseSizeLimit returns the maximum encoded size for a response to this
// query on its inbound transport.
func (q *Query) ResponseSizeLimit() int {
	if q.Transport == TransportTCP {
		return MaxTCPSize
	}
	return int(q.UDPSize)
}

// Encode packs a response message to wire format with name compression
// enabled. When the compressed message still exceeds limit, the answer is
// truncated and the TC bit set so the client can retry over TCP. The second
// return value reports whether truncation occurred.
func Encode(msg *dns.Msg, limit int) ([]byte, bool, error) {
	msg.Compress = true

	if limit > 0 && msg.Len() > limit {
		// Truncate drops answer records until the message fits and sets TC.
		msg.Truncate(limit)
	}

	buf, err := msg.Pack()
	if err != nil {
		return nil, false, fmt.Errorf("failed to pack response: %w", err)
	}
	return buf, msg.Truncated, nil
}

func clampUDPSize(requested uint16) uint16 {
	if requested < MinUDPSize {
		return MinUDPSize
	}
	if requested > MaxUDPSize {
		return MaxUDPSize
	}
	return requested
}
