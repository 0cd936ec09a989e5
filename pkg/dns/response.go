package dns

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"dns-agent/pkg/cache"
	"dns-agent/pkg/codec"
	"dns-agent/pkg/config"
)

// Synthesizer builds every response this server originates itself:
// sinkhole answers for blocked names, replays of cached entries, and
// SERVFAIL when resolution ultimately failed.
type Synthesizer struct {
	policy config.SinkholePolicy
	ttl    uint32
	ipv4   net.IP
	ipv6   net.IP
}

// NewSynthesizer validates the sinkhole configuration up front so a bad
// address fails at startup, not on the first blocked query.
func NewSynthesizer(cfg *config.SinkholeConfig) (*Synthesizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sinkhole config cannot be nil")
	}

	s := &Synthesizer{
		policy: cfg.Policy,
		ttl:    cfg.TTL,
	}

	if cfg.Policy == config.SinkholeAddress {
		s.ipv4 = net.ParseIP(cfg.IPv4Address)
		if s.ipv4 == nil || s.ipv4.To4() == nil {
			return nil, fmt.Errorf("invalid sinkhole IPv4 address %q", cfg.IPv4Address)
		}
		if cfg.IPv6Address != "" {
			s.ipv6 = net.ParseIP(cfg.IPv6Address)
			if s.ipv6 == nil || s.ipv6.To4() != nil {
				return nil, fmt.Errorf("invalid sinkhole IPv6 address %q", cfg.IPv6Address)
			}
		}
	}

	return s, nil
}

// Blocked builds the answer for a query the blocklist matched. Under the
// nxdomain policy that is a bare NXDOMAIN; under the address policy an A
// or AAAA record pointing at the sinkhole address, and an empty NOERROR
// for any other query type.
func (s *Synthesizer) Blocked(q *codec.Query) *dns.Msg {
	msg := s.reply(q)

	if s.policy == config.SinkholeNXDomain {
		msg.Rcode = dns.RcodeNameError
		return msg
	}

	switch q.Type {
	case dns.TypeA:
		addARecord(msg, q.Name, s.ipv4, s.ttl)
	case dns.TypeAAAA:
		if s.ipv6 != nil {
			addAAAARecord(msg, q.Name, s.ipv6, s.ttl)
		}
	}
	return msg
}

// FromCache replays a cached entry. Record TTLs are rewritten to the
// entry's remaining lifetime so a client can never cache an answer past
// the point this server would have expired it.
func (s *Synthesizer) FromCache(q *codec.Query, entry *cache.Entry, now time.Time) *dns.Msg {
	msg := s.reply(q)
	msg.Rcode = entry.Rcode

	remaining := uint32(entry.Remaining(now) / time.Second)
	if remaining == 0 {
		remaining = 1
	}

	for _, rr := range entry.Records {
		rr.Header().Ttl = remaining
		msg.Answer = append(msg.Answer, rr)
	}
	return msg
}

// FromUpstream rewraps an upstream answer for the client: the client's
// transaction ID and question, the upstream's sections and rcode.
func (s *Synthesizer) FromUpstream(q *codec.Query, upstream *dns.Msg) *dns.Msg {
	msg := s.reply(q)
	msg.Rcode = upstream.Rcode
	msg.Answer = upstream.Answer
	msg.Ns = upstream.Ns
	return msg
}

// Failure builds the SERVFAIL sent when no upstream produced an answer.
func (s *Synthesizer) Failure(q *codec.Query) *dns.Msg {
	msg := s.reply(q)
	msg.Rcode = dns.RcodeServerFailure
	return msg
}

// Refused builds the response for queries this server will not serve,
// such as non-INET classes.
func (s *Synthesizer) Refused(q *codec.Query) *dns.Msg {
	msg := s.reply(q)
	msg.Rcode = dns.RcodeRefused
	return msg
}

func (s *Synthesizer) reply(q *codec.Query) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(q.Msg)
	msg.Authoritative = false
	msg.RecursionAvailable = true
	echoEDNS0(q, msg)
	return msg
}

// echoEDNS0 mirrors the client's OPT record on the response, clamped to
// the payload size this server supports.
func echoEDNS0(q *codec.Query, resp *dns.Msg) {
	if q.Msg.IsEdns0() == nil || resp.IsEdns0() != nil {
		return
	}

	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	opt.SetUDPSize(q.UDPSize)
	resp.Extra = append(resp.Extra, opt)
}

func addARecord(msg *dns.Msg, name string, ip net.IP, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	})
}

func addAAAARecord(msg *dns.Msg, name string, ip net.IP, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: ip.To16(),
	})
}
