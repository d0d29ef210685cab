package installer

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"routeragent/internal/route"
)

// fakeBackend records replace/remove calls in order and can be told to fail
// a number of upcoming replaces.
type fakeBackend struct {
	routes       map[route.Prefix]route.SinkEntry
	ops          []string
	failReplaces int
	preloaded    []route.SinkEntry
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{routes: make(map[route.Prefix]route.SinkEntry)}
}

func (f *fakeBackend) Replace(e route.SinkEntry) error {
	if f.failReplaces > 0 {
		f.failReplaces--
		return fmt.Errorf("netlink says no")
	}
	f.routes[e.Prefix] = e
	f.ops = append(f.ops, "replace "+e.Prefix.String()+" via "+e.Source.String())
	return nil
}

func (f *fakeBackend) Remove(p route.Prefix) error {
	delete(f.routes, p)
	f.ops = append(f.ops, "remove "+p.String())
	return nil
}

func (f *fakeBackend) Dump() ([]route.SinkEntry, error) {
	return f.preloaded, nil
}

func entry(cidr string, src route.Source, nh string) route.SinkEntry {
	return route.SinkEntry{
		Prefix:  route.MustPrefix(cidr),
		Source:  src,
		NextHop: net.ParseIP(nh),
	}
}

func TestOfferInstallsKernelRoute(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)

	ins.Offer(entry("203.0.113.0/24", route.SourceBGP, "192.0.2.2"))

	got, ok := fib.routes[route.MustPrefix("203.0.113.0/24")]
	require.True(t, ok)
	require.Equal(t, route.SourceBGP, got.Source)
	require.True(t, got.NextHop.Equal(net.ParseIP("192.0.2.2")))
}

func TestProtocolPreferenceOSPFBeatsBGP(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)
	p := route.MustPrefix("10.1.1.1/32")

	ins.Offer(entry("10.1.1.1/32", route.SourceBGP, "192.0.2.2"))
	require.Equal(t, route.SourceBGP, fib.routes[p].Source)

	ins.Offer(entry("10.1.1.1/32", route.SourceOSPF, "10.0.0.2"))
	require.Equal(t, route.SourceOSPF, fib.routes[p].Source)

	// A later BGP re-offer must not displace the OSPF winner.
	ins.Offer(entry("10.1.1.1/32", route.SourceBGP, "192.0.2.9"))
	require.Equal(t, route.SourceOSPF, fib.routes[p].Source)
}

func TestWithdrawWinnerFallsBackWithoutRemove(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)
	p := route.MustPrefix("10.1.1.1/32")

	ins.Offer(entry("10.1.1.1/32", route.SourceBGP, "192.0.2.2"))
	ins.Offer(entry("10.1.1.1/32", route.SourceOSPF, "10.0.0.2"))
	fib.ops = nil

	ins.Withdraw(p, route.SourceOSPF)

	// The kernel entry was replaced with the BGP fallback, never removed
	// in between (no forwarding gap).
	require.Equal(t, []string{"replace 10.1.1.1/32 via bgp"}, fib.ops)
	require.Equal(t, route.SourceBGP, fib.routes[p].Source)
}

func TestWithdrawLastCandidateRemoves(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)
	p := route.MustPrefix("203.0.113.0/24")

	ins.Offer(entry("203.0.113.0/24", route.SourceBGP, "192.0.2.2"))
	ins.Withdraw(p, route.SourceBGP)

	_, ok := fib.routes[p]
	require.False(t, ok)
	require.Empty(t, ins.Installed())
}

func TestWithdrawUnknownSourceIsNoOp(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)
	p := route.MustPrefix("203.0.113.0/24")

	ins.Offer(entry("203.0.113.0/24", route.SourceBGP, "192.0.2.2"))
	fib.ops = nil
	ins.Withdraw(p, route.SourceOSPF)

	require.Empty(t, fib.ops)
	require.Equal(t, route.SourceBGP, fib.routes[p].Source)
}

func TestInstallFailureRetriesBoundedThenMarksFailed(t *testing.T) {
	fib := newFakeBackend()
	fib.failReplaces = maxInstallRetries // every attempt of the first install fails
	ins := New(fib)
	p := route.MustPrefix("203.0.113.0/24")

	ins.Offer(entry("203.0.113.0/24", route.SourceBGP, "192.0.2.2"))
	require.Equal(t, 1, ins.FailedCount())
	_, ok := fib.routes[p]
	require.False(t, ok)

	// A fresh offer retries and succeeds once the kernel recovers.
	ins.Offer(entry("203.0.113.0/24", route.SourceBGP, "192.0.2.3"))
	require.Zero(t, ins.FailedCount())
	require.Equal(t, "192.0.2.3", fib.routes[p].NextHop.String())
}

func TestExactlyOneSourceClaimsInstalledPrefix(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)

	ins.Offer(entry("10.1.1.1/32", route.SourceBGP, "192.0.2.2"))
	ins.Offer(entry("10.1.1.1/32", route.SourceOSPF, "10.0.0.2"))
	ins.Offer(entry("10.2.2.2/32", route.SourceBGP, "192.0.2.2"))

	seen := make(map[route.Prefix]int)
	for _, e := range ins.Installed() {
		seen[e.Prefix]++
	}
	for p, n := range seen {
		require.Equalf(t, 1, n, "prefix %s claimed by %d sources", p, n)
	}
}

func TestReconcileRemovesStaleTaggedRoutes(t *testing.T) {
	fib := newFakeBackend()
	stale := entry("198.51.100.0/24", route.SourceBGP, "192.0.2.2")
	fib.preloaded = []route.SinkEntry{stale}
	fib.routes[stale.Prefix] = stale

	ins := New(fib)
	require.NoError(t, ins.Reconcile())

	_, ok := fib.routes[stale.Prefix]
	require.False(t, ok)
}

func TestReplaceSkippedWhenWinnerUnchanged(t *testing.T) {
	fib := newFakeBackend()
	ins := New(fib)

	e := entry("203.0.113.0/24", route.SourceBGP, "192.0.2.2")
	ins.Offer(e)
	fib.ops = nil
	ins.Offer(e)

	require.Empty(t, fib.ops)
}
