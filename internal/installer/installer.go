// Package installer is the cross-protocol core: it subscribes to Loc-RIB
// changes (BGP) and SPF routing-table changes (OSPF), selects the
// installed route per prefix by the fixed protocol preference
// Connected > OSPF > BGP, and drives the kernel FIB through
// replace/remove.
package installer

import (
	"github.com/sirupsen/logrus"

	"routeragent/internal/kernelfib"
	"routeragent/internal/obslog"
	"routeragent/internal/route"
)

// maxInstallRetries bounds kernel-install retries before a route is
// marked failed-to-install. The internal state stays consistent so a
// later candidate change retries.
const maxInstallRetries = 3

// Installer owns the RouteSink: the set of prefixes it has pushed to the
// kernel. All methods run on the scheduler thread.
type Installer struct {
	fib kernelfib.Backend

	// candidates holds every offered route per prefix, one slot per
	// source protocol; the winner is the lowest Preference() among them.
	candidates map[route.Prefix]map[route.Source]route.SinkEntry
	installed  map[route.Prefix]route.SinkEntry
	failed     map[route.Prefix]bool

	log *logrus.Entry
}

// New constructs an Installer over the given kernel backend.
func New(fib kernelfib.Backend) *Installer {
	return &Installer{
		fib:        fib,
		candidates: make(map[route.Prefix]map[route.Source]route.SinkEntry),
		installed:  make(map[route.Prefix]route.SinkEntry),
		failed:     make(map[route.Prefix]bool),
		log:        obslog.For("installer"),
	}
}

// Offer records (or updates) a source protocol's route for a prefix and
// re-runs winner selection for it.
func (ins *Installer) Offer(e route.SinkEntry) {
	slots, ok := ins.candidates[e.Prefix]
	if !ok {
		slots = make(map[route.Source]route.SinkEntry)
		ins.candidates[e.Prefix] = slots
	}
	slots[e.Source] = e
	ins.reselect(e.Prefix)
}

// Withdraw removes one source protocol's route for a prefix. If that source
// was the installed winner, the other protocols' candidates are consulted
// before the kernel entry is removed: fallback before remove, so the
// forwarding path never gaps.
func (ins *Installer) Withdraw(p route.Prefix, s route.Source) {
	slots, ok := ins.candidates[p]
	if !ok {
		return
	}
	delete(slots, s)
	if len(slots) == 0 {
		delete(ins.candidates, p)
	}
	ins.reselect(p)
}

// reselect recomputes the winner for p and pushes the difference to the
// kernel: a replace when the winner changed, a remove when no candidate
// remains.
func (ins *Installer) reselect(p route.Prefix) {
	winner, ok := ins.winnerFor(p)
	cur, installed := ins.installed[p]

	switch {
	case !ok && installed:
		if err := ins.fib.Remove(p); err != nil {
			ins.log.WithError(err).Warnf("kernel remove failed for %s", p)
		}
		delete(ins.installed, p)
		delete(ins.failed, p)
	case ok && (!installed || !sameInstall(cur, winner)):
		ins.install(winner)
	}
}

func (ins *Installer) winnerFor(p route.Prefix) (route.SinkEntry, bool) {
	slots, ok := ins.candidates[p]
	if !ok || len(slots) == 0 {
		return route.SinkEntry{}, false
	}
	var best route.SinkEntry
	found := false
	for _, e := range slots {
		if !found || e.Source.Preference() < best.Source.Preference() {
			best = e
			found = true
		}
	}
	return best, found
}

func (ins *Installer) install(e route.SinkEntry) {
	var err error
	for attempt := 0; attempt < maxInstallRetries; attempt++ {
		if err = ins.fib.Replace(e); err == nil {
			ins.installed[e.Prefix] = e
			delete(ins.failed, e.Prefix)
			return
		}
	}
	// Keep the candidate so a future reselect retries, but don't pretend
	// the kernel has it.
	ins.log.WithError(err).Errorf("kernel install failed for %s via %s after %d attempts",
		e.Prefix, e.Source, maxInstallRetries)
	delete(ins.installed, e.Prefix)
	ins.failed[e.Prefix] = true
}

// Reconcile runs the startup pass: dump the kernel routes
// carrying this agent's protocol tag and remove any that the (empty, at
// startup) RouteSink does not claim: leftovers of a previous run.
// Pre-existing host routes never appear in the dump and are never touched.
func (ins *Installer) Reconcile() error {
	stale, err := ins.fib.Dump()
	if err != nil {
		return err
	}
	for _, e := range stale {
		if _, ok := ins.installed[e.Prefix]; ok {
			continue
		}
		if err := ins.fib.Remove(e.Prefix); err != nil {
			ins.log.WithError(err).Warnf("reconcile: could not remove stale %s", e.Prefix)
		}
	}
	return nil
}

// Installed returns a copy of the current RouteSink for the observable-
// state snapshot.
func (ins *Installer) Installed() []route.SinkEntry {
	out := make([]route.SinkEntry, 0, len(ins.installed))
	for _, e := range ins.installed {
		out = append(out, e)
	}
	return out
}

// FailedCount reports how many prefixes are currently marked
// failed-to-install.
func (ins *Installer) FailedCount() int { return len(ins.failed) }

func sameInstall(a, b route.SinkEntry) bool {
	return a.Source == b.Source &&
		a.NextHop.Equal(b.NextHop) &&
		a.Interface == b.Interface &&
		a.MetricTiebrk == b.MetricTiebrk
}
