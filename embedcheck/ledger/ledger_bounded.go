package ledger

import (
	"fmt"
	"sync"

	arc "github.com/hashicorp/golang-lru/arc/v2"
)

// BoundedLedger caps the number of keys tracked per namespace, evicting with ARC (which
// balances recency and frequency, so hot repeated content tends to survive).
//
// An evicted key starts over at a count of 1 if it is seen again, which changes which repeats
// get detected: the capacity is a tunable, not a transparent optimization.
type BoundedLedger struct {
	// the ARC caches are individually thread-safe, but observe is a read-modify-write
	lk     sync.Mutex
	caches map[Namespace]*arc.ARCCache[string, int]
}

var _ Ledger = (*BoundedLedger)(nil)

func NewBoundedLedger(capacity int) (*BoundedLedger, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bounded ledger capacity must be positive: %d", capacity)
	}
	caches := make(map[Namespace]*arc.ARCCache[string, int], len(Namespaces))
	for _, ns := range Namespaces {
		c, err := arc.NewARC[string, int](capacity)
		if err != nil {
			return nil, fmt.Errorf("creating %s cache: %w", ns, err)
		}
		caches[ns] = c
	}
	return &BoundedLedger{
		caches: caches,
	}, nil
}

func (l *BoundedLedger) Observe(ns Namespace, key string) int {
	checkNamespace(ns)
	l.lk.Lock()
	defer l.lk.Unlock()
	c := l.caches[ns]
	v, _ := c.Get(key)
	v++
	c.Add(key, v)
	return v
}

func (l *BoundedLedger) Count(ns Namespace, key string) int {
	checkNamespace(ns)
	l.lk.Lock()
	defer l.lk.Unlock()
	v, _ := l.caches[ns].Peek(key)
	return v
}

func (l *BoundedLedger) Len(ns Namespace) int {
	checkNamespace(ns)
	return l.caches[ns].Len()
}
