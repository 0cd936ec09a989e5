package dns

import "time"

// OutcomeKind says how a query was answered.
type OutcomeKind uint8

const (
	OutcomeResolved OutcomeKind = iota
	OutcomeBlocked
	OutcomeCacheHit
	OutcomeFailed

	// OutcomeRefused marks queries the policy declined to serve, such as
	// non-Internet classes. These are not upstream failures.
	OutcomeRefused
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResolved:
		return "resolved"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeFailed:
		return "failed"
	case OutcomeRefused:
		return "refused"
	}
	return "unknown"
}

// Outcome carries the disposition of one handled query, recorded for the
// query log and metrics after the response has been written.
type Outcome struct {
	Kind         OutcomeKind
	ResponseCode int

	// Pattern and Source identify the blocklist entry for blocked queries.
	Pattern string
	Source  string

	// Upstream and UpstreamRTT are set for resolved queries.
	Upstream    string
	UpstreamRTT time.Duration

	Whitelisted bool
}
