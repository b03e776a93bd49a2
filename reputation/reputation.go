// Package reputation is a reference implementation of the Reputation
// Store collaborator spec.md §6 defines as an external interface: a
// process-wide address -> counters map exposing updateSeen,
// updateIncluded, ban, and status, per spec.md §3/§9 ("writes happen
// only on terminal success/failure paths... its implementation must
// serialise mutations; the core assumes single-writer semantics").
//
// The map-of-pointers-behind-a-mutex shape mirrors the teacher's
// account tracker for the transaction pool.
package reputation

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Status classifies an entity for mempool admission purposes.
type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

// Default throttling/ban thresholds, following the ERC-4337 reference
// bundler's reputation scheme: an entity stays OK until it has been
// seen at least MinIncludedCount times; past that, its
// included/seen ratio is compared against the throttle and ban
// slacks (included can trail seen by up to 1/slack before the entity
// is downgraded).
const (
	DefaultMinIncludedCount = 10
	DefaultThrottlingSlack  = 10
	DefaultBanSlack         = 50
)

// Entry holds the raw counters tracked for one entity address.
type Entry struct {
	OpsSeen     uint64
	OpsIncluded uint64
	Banned      bool
}

// status computes this entry's Status against the given slacks.
func (e *Entry) status(minIncluded, throttlingSlack, banSlack uint64) Status {
	if e.Banned {
		return StatusBanned
	}
	if e.OpsSeen < minIncluded {
		return StatusOK
	}
	min := e.OpsSeen / banSlack
	if e.OpsIncluded < min {
		return StatusBanned
	}
	min = e.OpsSeen / throttlingSlack
	if e.OpsIncluded < min {
		return StatusThrottled
	}
	return StatusOK
}

// Store is an in-memory, mutex-guarded Reputation Store, safe for
// concurrent use, per spec.md §9's single-writer assumption (the mutex
// is cheap insurance for callers that validate distinct ops in
// parallel per spec.md §8).
type Store struct {
	mu              sync.Mutex
	entries         map[common.Address]*Entry
	minIncluded     uint64
	throttlingSlack uint64
	banSlack        uint64
}

// New builds a Store using the default thresholds.
func New() *Store {
	return &Store{
		entries:         make(map[common.Address]*Entry),
		minIncluded:     DefaultMinIncludedCount,
		throttlingSlack: DefaultThrottlingSlack,
		banSlack:        DefaultBanSlack,
	}
}

func (s *Store) getOrCreate(addr common.Address) *Entry {
	e, ok := s.entries[addr]
	if !ok {
		e = &Entry{}
		s.entries[addr] = e
	}
	return e
}

// UpdateSeen increments the seen counter for addr. Neither the
// validation nor the bundle package calls it.
func (s *Store) UpdateSeen(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(addr).OpsSeen++
}

// UpdateIncluded increments the included counter for addr, called on
// successful bundle submission for every sender/factory/paymaster of
// every op in the final bundle, per spec.md §4.2 step 7.
func (s *Store) UpdateIncluded(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(addr).OpsIncluded++
}

// Ban marks addr as banned outright, called on the AA1/AA2/AA3
// eviction paths of spec.md §4.2 step 6.
func (s *Store) Ban(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(addr).Banned = true
}

// Status reports whether addr is currently OK, throttled, or banned,
// per spec.md §3's {ok, throttled, banned} tuple.
func (s *Store) Status(addr common.Address) (ok, throttled, banned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[addr]
	if !found {
		return true, false, false
	}
	switch e.status(s.minIncluded, s.throttlingSlack, s.banSlack) {
	case StatusBanned:
		return false, false, true
	case StatusThrottled:
		return false, true, false
	default:
		return true, false, false
	}
}

// Snapshot returns a copy of addr's raw counters, primarily for tests
// and diagnostics.
func (s *Store) Snapshot(addr common.Address) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[addr]; ok {
		return *e
	}
	return Entry{}
}
