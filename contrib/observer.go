// Package contrib is the plugin point for custom coherency observers.
//
// The coherency engine's extension point is the coherency.Observer
// interface: a synchronous, non-blocking hook invoked after every
// committed state transition. contrib gives observer implementations a
// place to register themselves without the engine importing any policy
// package directly — an allocation, migration, or tiering policy would
// attach here.
//
// Plugin registration:
//
//	Plugins register themselves in an init() function using
//	RegisterObserver() and are looked up by name with GetObserver(). The
//	config has no observer-selection field: the node daemon attaches a
//	fresh "stats" observer to its engine and attaches no other observer.
//
//	Built-in observers: "stats".
//	Community observers: registered via contrib.RegisterObserver().
//
// Plugin contract:
//   - Observe() must be goroutine-safe (the engine may call it from any
//     node's hot path concurrently).
//   - Observe() must return promptly; it runs inline on the coherency
//     commit path, not on a separate goroutine.
//   - Observe() must not call blocking I/O.
//   - Observe() must not re-enter the engine that invoked it.
//   - Observe() must not panic.
//   - The name passed to RegisterObserver() must be unique; registering a
//     name twice panics.
//
// Example plugin (contrib/observers/hotness/hotness.go):
//
//	package hotness
//
//	import "github.com/sluglab/cxlmemsim/contrib"
//
//	func init() {
//	  contrib.RegisterObserver("hotness", &HotnessTracker{})
//	}
//
//	type HotnessTracker struct{ ... }
//
//	func (h *HotnessTracker) Observe(ev coherency.TransitionEvent) { ... }
package contrib

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sluglab/cxlmemsim/internal/coherency"
)

// ─── Registry ─────────────────────────────────────────────────────────────

var (
	registryMu sync.RWMutex
	registry   = make(map[string]coherency.Observer)
)

// RegisterObserver registers a custom coherency observer under name.
// Panics if name is already registered. Call from init() functions in
// plugin packages.
func RegisterObserver(name string, o coherency.Observer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("contrib: observer %q already registered", name))
	}
	registry[name] = o
}

// GetObserver returns the registered observer with the given name.
func GetObserver(name string) (coherency.Observer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	o, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: observer %q not registered (available: %v)", name, listNames())
	}
	return o, nil
}

// ListObservers returns the names of all registered observers.
func ListObservers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// ─── Built-in observer: stats ──────────────────────────────────────────────
//
// StatsObserver is the one built-in observer that ships beyond the
// engine's own counters. It tallies transitions by (from_state, to_state)
// pair and is what tests assert observed transitions against.

func init() {
	RegisterObserver("stats", NewStatsObserver())
}

// StatsObserver counts committed transitions, keyed by the from/to state
// pair. Safe for concurrent use.
type StatsObserver struct {
	mu     sync.Mutex
	counts map[transitionKey]uint64
	writes atomic.Uint64
	reads  atomic.Uint64
}

type transitionKey struct {
	from coherency.State
	to   coherency.State
}

// NewStatsObserver returns an empty StatsObserver.
func NewStatsObserver() *StatsObserver {
	return &StatsObserver{counts: make(map[transitionKey]uint64)}
}

// Observe implements coherency.Observer.
func (s *StatsObserver) Observe(ev coherency.TransitionEvent) {
	if ev.IsWrite {
		s.writes.Add(1)
	} else {
		s.reads.Add(1)
	}
	s.mu.Lock()
	s.counts[transitionKey{ev.FromState, ev.ToState}]++
	s.mu.Unlock()
}

// Count returns how many times the from->to transition has been observed.
func (s *StatsObserver) Count(from, to coherency.State) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[transitionKey{from, to}]
}

// Totals returns the cumulative read- and write-triggered transition counts.
func (s *StatsObserver) Totals() (reads, writes uint64) {
	return s.reads.Load(), s.writes.Load()
}
