// Named sets of strings, loaded from JSON configuration.
//
// The embed checker uses sets for the link host whitelist and for redirect match rules.
package setstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	// hosts which are never probed for redirects
	LinkWhitelist = "link-whitelist"
	// glob rules evaluated against redirect targets
	RedirectURLGlobs = "redirect-url-globs"
)

type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
	Members(ctx context.Context, name string) ([]string, error)
}

type MemSetStore struct {
	lk   sync.RWMutex
	Sets map[string]map[string]bool
}

var _ SetStore = (*MemSetStore)(nil)

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		Sets: make(map[string]map[string]bool),
	}
}

func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	set, ok := s.Sets[name]
	if !ok {
		// NOTE: currently returns false when entire set isn't found
		return false, nil
	}
	_, ok = set[val]
	return ok, nil
}

// Returns set members in sorted order; a missing set is empty, not an error.
func (s *MemSetStore) Members(ctx context.Context, name string) ([]string, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	set := s.Sets[name]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// Adds values to a set, creating it if needed.
func (s *MemSetStore) Add(name string, vals ...string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	set, ok := s.Sets[name]
	if !ok {
		set = make(map[string]bool, len(vals))
		s.Sets[name] = set
	}
	for _, v := range vals {
		set[v] = true
	}
}

// Loads sets from a JSON file of the form {"set-name": ["val1", "val2"]}. Sets in the file
// replace any existing sets with the same name.
func (s *MemSetStore) LoadFromFileJSON(p string) error {

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return s.LoadJSON(f)
}

func (s *MemSetStore) LoadJSON(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return fmt.Errorf("parsing sets JSON: %w", err)
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	for name, l := range sets {
		m := make(map[string]bool, len(l))
		for _, val := range l {
			m[val] = true
		}
		s.Sets[name] = m
	}
	return nil
}
