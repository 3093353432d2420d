// Dedup and repetition ledger for embed checking.
//
// A ledger counts observations of content identifiers (CIDs) and URIs, partitioned into
// independent namespaces so that the same string seen as an image and as a link does not
// collide. Includes an unbounded in-process implementation and a bounded one using ARC
// eviction. State is process-local and is not persisted.
package ledger

import (
	"fmt"
)

type Namespace string

const (
	Images  Namespace = "images"
	Videos  Namespace = "videos"
	Records Namespace = "records"
	Links   Namespace = "links"
)

// All namespaces, in a stable order.
var Namespaces = []Namespace{Images, Videos, Records, Links}

func (ns Namespace) Valid() bool {
	switch ns {
	case Images, Videos, Records, Links:
		return true
	}
	return false
}

type Ledger interface {
	// Records one observation of key in namespace ns, and returns the count including this
	// observation. A return value of 1 means the key had not been seen before.
	Observe(ns Namespace, key string) int
	// Returns the current count for key, without recording an observation.
	Count(ns Namespace, key string) int
}

func checkNamespace(ns Namespace) {
	if !ns.Valid() {
		panic(fmt.Sprintf("ledger: unknown namespace %q", ns))
	}
}
