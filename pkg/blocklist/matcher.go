// Package blocklist decides whether a queried domain should be sinkholed.
// It supports exact and wildcard-suffix patterns with whitelist precedence.
package blocklist

import (
	"strings"

	"dns-agent/pkg/codec"
)

// Decision is the result of matching a domain against the compiled lists.
type Decision struct {
	Blocked     bool
	Whitelisted bool   // an allow entry matched and overrode any block
	Pattern     string // the entry that matched, wildcard entries keep the *. prefix
	Source      string // where the matching entry came from
}

// Allowed is the decision for domains no list matched.
var Allowed = Decision{}

// Matcher is an immutable compiled blocklist. A Matcher is never mutated
// after Build; updates swap in a freshly built one.
type Matcher struct {
	// exact and wildcard map FQDN patterns to their source tag. Wildcard
	// entries are keyed by the suffix they cover ("ads.example.com." for
	// "*.ads.example.com"), matching the suffix itself and everything below.
	exact    map[string]string
	wildcard map[string]string

	allowExact    map[string]string
	allowWildcard map[string]string
}

// Builder accumulates entries for a Matcher.
type Builder struct {
	m *Matcher
}

// NewBuilder returns an empty matcher builder.
func NewBuilder() *Builder {
	return &Builder{m: &Matcher{
		exact:         make(map[string]string),
		wildcard:      make(map[string]string),
		allowExact:    make(map[string]string),
		allowWildcard: make(map[string]string),
	}}
}

// Block adds a blocklist pattern. A "*." prefix marks wildcard scope.
func (b *Builder) Block(pattern, source string) {
	addPattern(b.m.exact, b.m.wildcard, pattern, source)
}

// Allow adds a whitelist pattern. Whitelist entries always win over blocks.
func (b *Builder) Allow(pattern, source string) {
	addPattern(b.m.allowExact, b.m.allowWildcard, pattern, source)
}

// Build finalizes the matcher. The builder must not be reused afterwards.
func (b *Builder) Build() *Matcher {
	m := b.m
	b.m = nil
	return m
}

func addPattern(exact, wildcard map[string]string, pattern, source string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		wildcard[codec.NormalizeName(suffix)] = source
		return
	}
	exact[codec.NormalizeName(pattern)] = source
}

// Match reports whether name is blocked. The lookup walks the name's label
// suffixes, so cost is bounded by the label count, not the list size.
// Whitelist entries take precedence over any block match.
func (m *Matcher) Match(name string) Decision {
	if name == "" {
		return Allowed
	}
	name = codec.NormalizeName(name)

	if allow := m.suffixMatch(name, m.allowExact, m.allowWildcard); allow.Blocked {
		return Decision{Whitelisted: true, Pattern: allow.Pattern, Source: allow.Source}
	}
	return m.suffixMatch(name, m.exact, m.wildcard)
}

// suffixMatch checks the exact set for the full name, then every label
// suffix against the wildcard set.
func (m *Matcher) suffixMatch(fqdn string, exact, wildcard map[string]string) Decision {
	if source, ok := exact[fqdn]; ok {
		return Decision{Blocked: true, Pattern: strings.TrimSuffix(fqdn, "."), Source: source}
	}

	rest := fqdn
	for rest != "" && rest != "." {
		if source, ok := wildcard[rest]; ok {
			return Decision{Blocked: true, Pattern: "*." + strings.TrimSuffix(rest, "."), Source: source}
		}
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			break
		}
		rest = rest[dot+1:]
	}

	return Allowed
}

// Stats reports entry counts per category.
func (m *Matcher) Stats() map[string]int {
	return map[string]int{
		"exact":          len(m.exact),
		"wildcard":       len(m.wildcard),
		"allow_exact":    len(m.allowExact),
		"allow_wildcard": len(m.allowWildcard),
		"total":          len(m.exact) + len(m.wildcard),
	}
}

// Size returns the number of block entries.
func (m *Matcher) Size() int {
	return len(m.exact) + len(m.wildcard)
}
