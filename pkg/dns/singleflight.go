package dns

import "sync"

// lookupQueue collapses concurrent upstream lookups for the same cache
// key. The first goroutine to Add a key becomes the resolver; others Wait
// until Done, then retry the cache.
type lookupQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inflight map[uint64]struct{}
}

func newLookupQueue() *lookupQueue {
	q := &lookupQueue{
		inflight: make(map[uint64]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Acquire marks key as in flight and returns true when the caller owns the
// lookup. When another goroutine already owns it, Acquire blocks until the
// owner releases the key and returns false.
func (q *lookupQueue) Acquire(key uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, found := q.inflight[key]; !found {
		q.inflight[key] = struct{}{}
		return true
	}

	for {
		q.cond.Wait()
		if _, found := q.inflight[key]; !found {
			return false
		}
	}
}

// Release removes key from the in-flight set and wakes all waiters.
func (q *lookupQueue) Release(key uint64) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
	q.cond.Broadcast()
}
