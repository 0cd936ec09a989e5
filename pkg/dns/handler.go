// Package dns contains the query dispatcher: the pipeline that takes a
// decoded query through blocklist, cache, and upstream resolution, and the
// listeners that feed it.
package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"dns-agent/pkg/blocklist"
	"dns-agent/pkg/cache"
	"dns-agent/pkg/codec"
	"dns-agent/pkg/forwarder"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/storage"
	"dns-agent/pkg/telemetry"
)

// Handler runs the per-query pipeline. It owns no sockets; the Server
// decodes raw messages and hands them here.
type Handler struct {
	Blocklist   *blocklist.Manager
	Cache       *cache.Cache
	Forwarder   *forwarder.Forwarder
	Synthesizer *Synthesizer
	QueryLog    *QueryLogger
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger

	lookups *lookupQueue
}

// NewHandler wires the pipeline stages together. Blocklist, cache, and
// query log may be nil; those stages are skipped.
func NewHandler(synth *Synthesizer, fwd *forwarder.Forwarder, logger *logging.Logger) *Handler {
	return &Handler{
		Synthesizer: synth,
		Forwarder:   fwd,
		Logger:      logger,
		lookups:     newLookupQueue(),
	}
}

// Handle resolves one query and returns the response to send plus the
// outcome for logging. The pipeline order is fixed: blocklist, cache,
// upstream. Blocked names never reach the cache or the network.
func (h *Handler) Handle(ctx context.Context, q *codec.Query) (*dns.Msg, *Outcome) {
	start := time.Now()
	msg, outcome := h.dispatch(ctx, q)
	h.record(ctx, q, outcome, time.Since(start))
	return msg, outcome
}

func (h *Handler) dispatch(ctx context.Context, q *codec.Query) (*dns.Msg, *Outcome) {
	if q.Class != dns.ClassINET {
		msg := h.Synthesizer.Refused(q)
		return msg, &Outcome{Kind: OutcomeRefused, ResponseCode: dns.RcodeRefused}
	}

	var whitelisted bool
	if h.Blocklist != nil {
		decision := h.Blocklist.Match(q.Name)
		if decision.Blocked {
			msg := h.Synthesizer.Blocked(q)
			return msg, &Outcome{
				Kind:         OutcomeBlocked,
				ResponseCode: msg.Rcode,
				Pattern:      decision.Pattern,
				Source:       decision.Source,
			}
		}
		whitelisted = decision.Whitelisted
	}

	if h.Cache != nil {
		if entry := h.Cache.Get(q.Name, q.Type); entry != nil {
			msg := h.Synthesizer.FromCache(q, entry, time.Now())
			return msg, &Outcome{
				Kind:         OutcomeCacheHit,
				ResponseCode: msg.Rcode,
				Whitelisted:  whitelisted,
			}
		}
	}

	msg, outcome := h.resolve(ctx, q)
	outcome.Whitelisted = whitelisted
	return msg, outcome
}

// resolve forwards the query upstream, collapsing concurrent lookups for
// the same (name, type) into one network exchange.
func (h *Handler) resolve(ctx context.Context, q *codec.Query) (*dns.Msg, *Outcome) {
	if h.Cache != nil {
		key := cache.Key(q.Name, q.Type)
		if !h.lookups.Acquire(key) {
			// Another goroutine just resolved this key.
			if entry := h.Cache.Get(q.Name, q.Type); entry != nil {
				msg := h.Synthesizer.FromCache(q, entry, time.Now())
				return msg, &Outcome{Kind: OutcomeCacheHit, ResponseCode: msg.Rcode}
			}
		} else {
			defer h.lookups.Release(key)
		}
	}

	res, err := h.Forwarder.Resolve(ctx, q.Msg)
	if err != nil {
		h.Logger.Warn("Resolution failed",
			"domain", q.Name,
			"type", dnsTypeLabel(q.Type),
			"error", err)
		msg := h.Synthesizer.Failure(q)
		return msg, &Outcome{Kind: OutcomeFailed, ResponseCode: dns.RcodeServerFailure}
	}

	h.store(q, res.Msg)

	msg := h.Synthesizer.FromUpstream(q, res.Msg)
	return msg, &Outcome{
		Kind:         OutcomeResolved,
		ResponseCode: res.Msg.Rcode,
		Upstream:     res.Upstream,
		UpstreamRTT:  res.RTT,
	}
}

// store caches an upstream answer: positive answers under their minimum
// record TTL, NXDOMAIN and empty NOERROR under the negative TTL.
func (h *Handler) store(q *codec.Query, resp *dns.Msg) {
	if h.Cache == nil {
		return
	}

	switch {
	case resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0:
		h.Cache.Put(q.Name, q.Type, resp.Rcode, resp.Answer, cache.ExtractTTL(resp.Answer))
	case resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError:
		h.Cache.PutNegative(q.Name, q.Type, resp.Rcode)
	}
}

// record updates metrics and enqueues the query log entry after the
// response is decided. It never blocks the pipeline.
func (h *Handler) record(ctx context.Context, q *codec.Query, outcome *Outcome, elapsed time.Duration) {
	qtypeLabel := dnsTypeLabel(q.Type)

	if h.Metrics != nil {
		attrs := metric.WithAttributes(attribute.String("type", qtypeLabel))
		h.Metrics.QueriesTotal.Add(ctx, 1, attrs)
		h.Metrics.QueryDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)

		switch outcome.Kind {
		case OutcomeBlocked:
			h.Metrics.BlockedQueries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("type", qtypeLabel),
				attribute.String("source", outcome.Source),
			))
		case OutcomeCacheHit:
			h.Metrics.CacheHits.Add(ctx, 1, attrs)
		case OutcomeResolved:
			h.Metrics.CacheMisses.Add(ctx, 1, attrs)
			h.Metrics.ForwardedQueries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("upstream", outcome.Upstream),
			))
		case OutcomeFailed:
			h.Metrics.FailedQueries.Add(ctx, 1, attrs)
		}
		if outcome.Whitelisted {
			h.Metrics.WhitelistedQueries.Add(ctx, 1, attrs)
		}
	}

	if h.QueryLog != nil {
		clientIP := ""
		if q.ClientAddr != nil {
			clientIP = clientIPString(q.ClientAddr.String())
		}
		_ = h.QueryLog.LogAsync(&storage.QueryLog{
			Timestamp:      time.Now().UTC(),
			ClientIP:       clientIP,
			Domain:         strings.TrimSuffix(q.Name, "."),
			QueryType:      qtypeLabel,
			Outcome:        outcome.Kind.String(),
			ResponseCode:   outcome.ResponseCode,
			Blocked:        outcome.Kind == OutcomeBlocked,
			Cached:         outcome.Kind == OutcomeCacheHit,
			ResponseTimeMs: float64(elapsed.Microseconds()) / 1000.0,
			Upstream:       outcome.Upstream,
		})
	}
}

// dnsTypeLabel returns the type mnemonic, falling back to TYPE#### per
// RFC 3597 for unknown types.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

func clientIPString(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
