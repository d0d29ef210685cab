// Package lsdb implements the OSPF Link State Database: keyed by
// (ls-type, link-state-id, advertising-router), aged once a second, with
// MaxAge entries flooded-then-removed and self-originated entries
// refreshed every LSRefreshTime. The "flood" half of aging/refresh is
// delegated to internal/ospf/flood through injected callbacks, keeping
// the store free of packet concerns.
package lsdb

import (
	"time"

	"routeragent/internal/ospf/codec"
)

// LSRefreshTime is how often a self-originated LSA is refreshed by
// incrementing its sequence number and re-flooding (RFC 2328 §12.4.4).
const LSRefreshTime = 1800 * time.Second

type entry struct {
	lsa            codec.LSA
	selfOriginated bool
}

// Database is the per-area LSDB. Like internal/bgp/rib, it carries no
// mutex: the single scheduler thread is the only thing that ever touches
// it.
type Database struct {
	entries         map[codec.LSAKey]entry
	onMaxAge        func(codec.LSA)
	onRefreshNeeded func(codec.LSA)
}

// New constructs an empty LSDB.
func New() *Database {
	return &Database{entries: make(map[codec.LSAKey]entry)}
}

// OnMaxAge installs the callback invoked once when an LSA's age reaches
// codec.MaxAge, just before it is removed. The callback is expected to
// flood the aged copy one final time at MaxAge.
func (d *Database) OnMaxAge(fn func(codec.LSA)) { d.onMaxAge = fn }

// OnRefreshNeeded installs the callback invoked when a self-originated LSA
// reaches LSRefreshTime. The callback is expected to build a new LSA with
// an incremented sequence number, call Install again, and re-flood it.
func (d *Database) OnRefreshNeeded(fn func(codec.LSA)) { d.onRefreshNeeded = fn }

// Install adds or replaces the entry for lsa's key if lsa is newer than
// what is already stored (RFC 2328 §13.1 via codec.CompareNewness), or if
// nothing is stored yet. Returns whether the LSA was installed.
func (d *Database) Install(lsa codec.LSA, selfOriginated bool) bool {
	key := lsa.Header.Key()
	if existing, ok := d.entries[key]; ok {
		if codec.CompareNewness(lsa.Header, existing.lsa.Header) <= 0 {
			return false
		}
	}
	d.entries[key] = entry{lsa: lsa, selfOriginated: selfOriginated}
	return true
}

// Get returns the stored LSA for key, if any.
func (d *Database) Get(key codec.LSAKey) (codec.LSA, bool) {
	e, ok := d.entries[key]
	return e.lsa, ok
}

// IsNewer reports whether header is strictly newer than the locally held
// copy for the same key (or there is no local copy at all); used by
// internal/ospf/flood to decide whether to request/accept an
// advertisement.
func (d *Database) IsNewer(header codec.LSAHeader) bool {
	existing, ok := d.entries[header.Key()]
	if !ok {
		return true
	}
	return codec.CompareNewness(header, existing.lsa.Header) > 0
}

// Remove deletes the entry for key.
func (d *Database) Remove(key codec.LSAKey) {
	delete(d.entries, key)
}

// Headers returns every stored LSA's header, for DD-packet database
// summaries (internal/ospf/neighbor's Actions.DatabaseSummary).
func (d *Database) Headers() []codec.LSAHeader {
	out := make([]codec.LSAHeader, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.lsa.Header)
	}
	return out
}

// All returns every stored LSA, for SPF graph construction.
func (d *Database) All() []codec.LSA {
	out := make([]codec.LSA, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.lsa)
	}
	return out
}

// Size returns the number of stored LSAs.
func (d *Database) Size() int { return len(d.entries) }

// Age advances every stored LSA's age by elapsed (normally called once a
// second by an internal/sched.IntervalTimer). Entries reaching codec.MaxAge
// are reported through OnMaxAge and then removed; self-originated entries
// reaching LSRefreshTime are reported through OnRefreshNeeded (and left in
// place; the caller re-Installs the refreshed copy, which resets age to
// whatever the new header carries).
func (d *Database) Age(elapsed time.Duration) {
	bump := uint16(elapsed / time.Second)
	if bump == 0 {
		return
	}
	var maxAged []codec.LSAKey
	var refreshDue []codec.LSA
	for key, e := range d.entries {
		age := uint32(e.lsa.Header.Age) + uint32(bump)
		if age >= codec.MaxAge {
			e.lsa.Header.Age = codec.MaxAge
			d.entries[key] = e
			maxAged = append(maxAged, key)
			continue
		}
		e.lsa.Header.Age = uint16(age)
		d.entries[key] = e
		if e.selfOriginated && age >= uint32(LSRefreshTime/time.Second) {
			refreshDue = append(refreshDue, e.lsa)
		}
	}
	for _, key := range maxAged {
		e := d.entries[key]
		if d.onMaxAge != nil {
			d.onMaxAge(e.lsa)
		}
		delete(d.entries, key)
	}
	for _, lsa := range refreshDue {
		if d.onRefreshNeeded != nil {
			d.onRefreshNeeded(lsa)
		}
	}
}
