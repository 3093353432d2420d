package ledger

import (
	"sync"
)

// MemLedger keeps every key for the life of the process.
//
// One mutex guards all namespaces; operations are O(1) map updates.
type MemLedger struct {
	lk     sync.Mutex
	counts map[Namespace]map[string]int
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	counts := make(map[Namespace]map[string]int, len(Namespaces))
	for _, ns := range Namespaces {
		counts[ns] = make(map[string]int)
	}
	return &MemLedger{
		counts: counts,
	}
}

func (l *MemLedger) Observe(ns Namespace, key string) int {
	checkNamespace(ns)
	l.lk.Lock()
	defer l.lk.Unlock()
	c := l.counts[ns][key] + 1
	l.counts[ns][key] = c
	return c
}

func (l *MemLedger) Count(ns Namespace, key string) int {
	checkNamespace(ns)
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.counts[ns][key]
}

// Number of distinct keys tracked in a namespace.
func (l *MemLedger) Len(ns Namespace) int {
	checkNamespace(ns)
	l.lk.Lock()
	defer l.lk.Unlock()
	return len(l.counts[ns])
}
