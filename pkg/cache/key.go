package cache

import (
	"github.com/cespare/xxhash/v2"
)

// Key computes the cache key for a (name, type) pair. The name must already
// be FQDN-normalized; lowercasing is applied here so keys stay stable even
// for callers that skipped normalization.
func Key(name string, qtype uint16) uint64 {
	d := xxhash.New()

	var b [2]byte
	b[0] = byte(qtype >> 8)
	b[1] = byte(qtype)
	_, _ = d.Write(b[:])

	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		_, _ = d.Write([]byte{c})
	}

	return d.Sum64()
}
