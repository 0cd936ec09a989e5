package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
)

// ErrAllUpstreamsFailed is returned when every attempt against every
// selected upstream timed out or produced an unusable response.
var ErrAllUpstreamsFailed = errors.New("all upstream servers failed")

// Result carries a validated upstream answer back to the dispatcher.
type Result struct {
	Msg      *dns.Msg
	Upstream string
	RTT      time.Duration
}

// Forwarder relays queries to the configured upstream resolvers over UDP,
// falling back to TCP when an upstream truncates its answer. Upstreams are
// rotated round-robin across queries.
type Forwarder struct {
	upstreams []string
	index     atomic.Uint32
	timeout   time.Duration
	retries   int
	logger    *logging.Logger

	udpPool sync.Pool
	tcpPool sync.Pool
}

// New creates a forwarder from the upstream configuration. Servers without
// an explicit port get the default DNS port.
func New(cfg *config.UpstreamConfig, logger *logging.Logger) (*Forwarder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("upstream config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one upstream server is required")
	}

	upstreams := make([]string, len(cfg.Servers))
	for i, server := range cfg.Servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			upstreams[i] = net.JoinHostPort(server, "53")
		} else {
			upstreams[i] = server
		}
	}

	f := &Forwarder{
		upstreams: upstreams,
		timeout:   cfg.Timeout,
		retries:   cfg.MaxRetries,
		logger:    logger,
	}
	if f.timeout <= 0 {
		f.timeout = 2 * time.Second
	}
	if f.retries <= 0 {
		f.retries = 1
	}

	f.udpPool.New = func() any {
		return &dns.Client{Net: "udp", Timeout: f.timeout, UDPSize: dns.DefaultMsgSize}
	}
	f.tcpPool.New = func() any {
		return &dns.Client{Net: "tcp", Timeout: f.timeout}
	}

	logger.Info("Forwarder initialized",
		"upstreams", upstreams,
		"timeout", f.timeout,
		"retries", f.retries,
	)

	return f, nil
}

// Resolve relays req upstream and returns the first validated answer.
// Each attempt gets its own fresh transaction ID and per-attempt timeout;
// the total attempt count is bounded by the configured retry limit, with
// attempts rotating through the upstream list starting at the round-robin
// cursor. A truncated UDP answer triggers a TCP retry against the same
// upstream before moving on.
func (f *Forwarder) Resolve(ctx context.Context, req *dns.Msg) (*Result, error) {
	if len(req.Question) == 0 {
		return nil, fmt.Errorf("query has no question section")
	}

	attempts := f.retries
	start := f.index.Add(1)
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		upstream := f.upstreams[(start+uint32(i))%uint32(len(f.upstreams))]

		res, err := f.exchange(ctx, req, upstream)
		if err != nil {
			f.logger.Warn("Upstream query failed",
				"upstream", upstream,
				"domain", req.Question[0].Name,
				"error", err,
				"attempt", i+1,
			)
			lastErr = err
			continue
		}

		if res.Msg.Rcode == dns.RcodeServerFailure {
			f.logger.Warn("Upstream returned SERVFAIL",
				"upstream", upstream,
				"domain", req.Question[0].Name,
			)
			lastErr = fmt.Errorf("upstream %s returned SERVFAIL", upstream)
			continue
		}

		f.logger.Debug("Upstream query succeeded",
			"upstream", upstream,
			"domain", req.Question[0].Name,
			"rtt", res.RTT,
			"answers", len(res.Msg.Answer),
		)
		return res, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllUpstreamsFailed, lastErr)
	}
	return nil, ErrAllUpstreamsFailed
}

// exchange runs one UDP attempt against a single upstream, retrying over
// TCP when the answer comes back truncated.
func (f *Forwarder) exchange(ctx context.Context, req *dns.Msg, upstream string) (*Result, error) {
	// Fresh transaction ID per attempt so a late answer to a previous
	// attempt cannot satisfy this one.
	out := req.Copy()
	out.Id = dns.Id()

	client := f.udpPool.Get().(*dns.Client)
	resp, rtt, err := client.ExchangeContext(ctx, out, upstream)
	f.udpPool.Put(client)
	if err != nil {
		return nil, err
	}
	if err := validateResponse(out, resp); err != nil {
		return nil, err
	}

	if resp.Truncated {
		f.logger.Debug("Upstream answer truncated, retrying over TCP",
			"upstream", upstream,
			"domain", out.Question[0].Name,
		)
		tcpClient := f.tcpPool.Get().(*dns.Client)
		resp, rtt, err = tcpClient.ExchangeContext(ctx, out, upstream)
		f.tcpPool.Put(tcpClient)
		if err != nil {
			return nil, fmt.Errorf("tcp retry: %w", err)
		}
		if err := validateResponse(out, resp); err != nil {
			return nil, err
		}
	}

	return &Result{Msg: resp, Upstream: upstream, RTT: rtt}, nil
}

// validateResponse rejects answers whose transaction ID or question does
// not match what was sent. The ID check also happens inside the dns client;
// the question check guards against mismatched or spoofed payloads.
func validateResponse(req, resp *dns.Msg) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	if !resp.Response {
		return fmt.Errorf("answer is not a response")
	}
	if resp.Id != req.Id {
		return fmt.Errorf("transaction ID mismatch: sent %d, got %d", req.Id, resp.Id)
	}
	if len(resp.Question) != 1 {
		return fmt.Errorf("unexpected question count %d in response", len(resp.Question))
	}
	sent, got := req.Question[0], resp.Question[0]
	if !strings.EqualFold(sent.Name, got.Name) || sent.Qtype != got.Qtype || sent.Qclass != got.Qclass {
		return fmt.Errorf("question mismatch: sent %s/%s, got %s/%s",
			sent.Name, dns.TypeToString[sent.Qtype],
			got.Name, dns.TypeToString[got.Qtype])
	}
	return nil
}

// Upstreams returns the normalized upstream addresses.
func (f *Forwarder) Upstreams() []string {
	return f.upstreams
}
