// Package store implements the Shared Rule-Set Store (spec §4.6): a
// sync.RWMutex-guarded holder of the active Configuration (rules,
// active-rule selection, and a cursor), published as immutable snapshots
// so readers never block each other. The lock is not reader-preferring: a
// writer waiting for it blocks readers that arrive after it.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/soultice/fips/internal/rules"
)

// Configuration is an immutable snapshot of the rule set plus its
// activation state. Readers take a *Configuration under a read lock and
// use it without further locking; the Store never mutates a Configuration
// once published.
type Configuration struct {
	Rules             []rules.RuleSet
	ActiveRuleIndices []int // indices into Rules currently eligible to match
	Selected          int   // UI cursor into Rules; -1 if Rules is empty

	Generation  uint64
	Fingerprint uint64 // xxhash-64 of the serialized rule set
}

// IsActive reports whether the rule at idx is in ActiveRuleIndices.
func (c *Configuration) IsActive(idx int) bool {
	for _, i := range c.ActiveRuleIndices {
		if i == idx {
			return true
		}
	}
	return false
}

// Store holds the current Configuration behind a RWMutex. Writers
// (Reload/ToggleRule/SelectNext/SelectPrevious) take the write lock only
// long enough to build and swap in a new Configuration value; readers take
// the read lock only long enough to copy out the current pointer.
type Store struct {
	mu      sync.RWMutex
	current *Configuration
}

// New builds a Store from an initial rule set, with every rule active and
// the cursor on the first rule (-1 when the rule set is empty).
func New(initial []rules.RuleSet) *Store {
	s := &Store{}
	s.current = buildConfiguration(initial, 1)
	return s
}

// Current returns the currently published Configuration. The returned
// value must be treated as immutable by the caller.
func (s *Store) Current() *Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload replaces the rule set with newRules, reactivating every rule and
// resetting the selection cursor. The generation counter always advances;
// the fingerprint only changes if the serialized rule set actually
// differs, so callers can distinguish "rules re-read, unchanged" from
// "rules changed" in logs and metrics.
func (s *Store) Reload(newRules []rules.RuleSet) *Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := uint64(1)
	if s.current != nil {
		gen = s.current.Generation + 1
	}
	s.current = buildConfiguration(newRules, gen)
	return s.current
}

// ToggleRule flips whether the rule at idx is active. It is a no-op (and
// returns false) if idx is out of range.
func (s *Store) ToggleRule(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.current
	if idx < 0 || idx >= len(cfg.Rules) {
		return false
	}

	next := cloneConfiguration(cfg)
	if next.IsActive(idx) {
		next.ActiveRuleIndices = removeIndex(next.ActiveRuleIndices, idx)
	} else {
		next.ActiveRuleIndices = append(next.ActiveRuleIndices, idx)
	}
	next.Generation = cfg.Generation + 1
	s.current = next
	return true
}

// SelectNext advances the UI cursor to the next rule, wrapping around.
func (s *Store) SelectNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveSelection(1)
}

// SelectPrevious moves the UI cursor to the previous rule, wrapping around.
func (s *Store) SelectPrevious() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveSelection(-1)
}

// moveSelection must be called with mu held for writing.
func (s *Store) moveSelection(delta int) {
	cfg := s.current
	n := len(cfg.Rules)
	if n == 0 {
		return
	}

	next := cloneConfiguration(cfg)
	sel := next.Selected + delta
	sel = ((sel % n) + n) % n
	next.Selected = sel
	next.Generation = cfg.Generation + 1
	s.current = next
}

func buildConfiguration(rs []rules.RuleSet, generation uint64) *Configuration {
	active := make([]int, len(rs))
	for i := range rs {
		active[i] = i
	}
	selected := -1
	if len(rs) > 0 {
		selected = 0
	}

	cfg := &Configuration{
		Rules:             rs,
		ActiveRuleIndices: active,
		Selected:          selected,
		Generation:        generation,
	}
	cfg.Fingerprint = fingerprint(rs)
	return cfg
}

func cloneConfiguration(cfg *Configuration) *Configuration {
	next := &Configuration{
		Rules:       cfg.Rules,
		Selected:    cfg.Selected,
		Generation:  cfg.Generation,
		Fingerprint: cfg.Fingerprint,
	}
	next.ActiveRuleIndices = make([]int, len(cfg.ActiveRuleIndices))
	copy(next.ActiveRuleIndices, cfg.ActiveRuleIndices)
	return next
}

func removeIndex(indices []int, target int) []int {
	out := indices[:0]
	for _, i := range indices {
		if i != target {
			out = append(out, i)
		}
	}
	return out
}

// fingerprint hashes a stable JSON encoding of the rule names, source
// paths, and when/then content so generation bumps that carry no real
// change (e.g. a reload of byte-identical files) are distinguishable from
// real rule edits.
func fingerprint(rs []rules.RuleSet) uint64 {
	type ruleDigestEntry struct {
		Name       string
		SourcePath string
		When       rules.When
		Then       rules.Then
	}

	entries := make([]ruleDigestEntry, len(rs))
	for i, r := range rs {
		entries[i] = ruleDigestEntry{
			Name:       r.Rule.Name,
			SourcePath: r.Rule.SourcePath,
			When:       r.Rule.When,
			Then:       r.Rule.Then,
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		// Marshaling a decoded rule set cannot fail in practice; fall back
		// to a %v rendering of the same entries rather than propagating an
		// error from a function with no error return.
		data = []byte(fmt.Sprintf("%v", entries))
	}
	return xxhash.Sum64(data)
}
