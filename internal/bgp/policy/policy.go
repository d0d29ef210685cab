// Package policy implements the BGP import/export policy engine: ordered
// rules of match conditions and actions, with a per-policy default. The
// first rule whose matches all succeed fires, its actions run in order,
// and evaluation stops.
package policy

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"routeragent/internal/bgp/codec"
	"routeragent/internal/bgp/rib"
	"routeragent/internal/route"
)

// Matcher is one match condition in a rule.
type Matcher interface {
	Match(r rib.Route) bool
}

// Action mutates or rejects a route; ok=false means the route is dropped.
type Action interface {
	Apply(r rib.Route) (result rib.Route, ok bool)
}

// Rule is a conjunction of Matchers and an ordered sequence of Actions.
type Rule struct {
	Name    string
	Matches []Matcher
	Actions []Action
}

// evaluate reports whether every Matcher matched, and if so the result of
// running the Actions in order (accepted=false if any action rejected the
// route).
func (ru Rule) evaluate(r rib.Route) (result rib.Route, matched bool, accepted bool) {
	for _, m := range ru.Matches {
		if !m.Match(r) {
			return r, false, false
		}
	}
	cur := r
	for _, a := range ru.Actions {
		next, ok := a.Apply(cur)
		if !ok {
			return rib.Route{}, true, false
		}
		cur = next
	}
	return cur, true, true
}

// DefaultAction is what happens when no rule matches.
type DefaultAction uint8

const (
	DefaultReject DefaultAction = iota
	DefaultAccept
)

// Policy is an ordered rule list plus a default action.
type Policy struct {
	Name    string
	Rules   []Rule
	Default DefaultAction
}

// Apply runs the first matching rule's actions and stops; if no rule
// matches, the policy's default action decides.
func (p Policy) Apply(r rib.Route) (rib.Route, bool) {
	for _, ru := range p.Rules {
		result, matched, accepted := ru.evaluate(r)
		if !matched {
			continue
		}
		return result, accepted
	}
	return r, p.Default == DefaultAccept
}

// Engine holds the per-peer import/export policies; they apply at exactly
// two points, on import from a peer and on export to a peer.
type Engine struct {
	importPolicies map[string]Policy
	exportPolicies map[string]Policy
}

func NewEngine() *Engine {
	return &Engine{
		importPolicies: make(map[string]Policy),
		exportPolicies: make(map[string]Policy),
	}
}

func (e *Engine) SetImportPolicy(peerID string, p Policy) { e.importPolicies[peerID] = p }
func (e *Engine) SetExportPolicy(peerID string, p Policy) { e.exportPolicies[peerID] = p }

// ApplyImport runs the peer's import policy before Adj-RIB-In insertion. A
// peer with no configured policy accepts everything unmodified.
func (e *Engine) ApplyImport(peerID string, r rib.Route) (rib.Route, bool) {
	p, ok := e.importPolicies[peerID]
	if !ok {
		return r, true
	}
	return p.Apply(r)
}

// ApplyExport runs the peer's export policy after Loc-RIB selection, before
// Adj-RIB-Out write.
func (e *Engine) ApplyExport(peerID string, r rib.Route) (rib.Route, bool) {
	p, ok := e.exportPolicies[peerID]
	if !ok {
		return r, true
	}
	return p.Apply(r)
}

// --- Match conditions ---

// PrefixMatch matches a route whose prefix falls within Within, optionally
// constrained by exact match or a prefix-length range.
type PrefixMatch struct {
	Within    route.Prefix
	Exact     bool
	HasMinMax bool
	MinLength uint8
	MaxLength uint8
}

func (m PrefixMatch) Match(r rib.Route) bool {
	if !containsPrefix(m.Within, r.Prefix) {
		return false
	}
	if m.Exact {
		return r.Prefix.Equal(m.Within)
	}
	if m.HasMinMax {
		if r.Prefix.Length < m.MinLength || r.Prefix.Length > m.MaxLength {
			return false
		}
	}
	return true
}

// containsPrefix reports whether candidate is inside within's network range
// (same family, candidate at least as specific, and its network address
// falls inside within's).
func containsPrefix(within, candidate route.Prefix) bool {
	if within.Family != candidate.Family {
		return false
	}
	if candidate.Length < within.Length {
		return false
	}
	return within.IPNet().Contains(candidate.IPNet().IP)
}

// ASPathMatch matches on AS_PATH length bounds and/or a regular expression
// over the decimal-space-separated AS_PATH representation.
type ASPathMatch struct {
	Regexp    *regexp.Regexp
	Length    *int
	MinLength *int
	MaxLength *int
}

func (m ASPathMatch) Match(r rib.Route) bool {
	n := r.Attrs.ASPathLength()
	if m.Length != nil && n != *m.Length {
		return false
	}
	if m.MinLength != nil && n < *m.MinLength {
		return false
	}
	if m.MaxLength != nil && n > *m.MaxLength {
		return false
	}
	if m.Regexp != nil && !m.Regexp.MatchString(asPathString(r.Attrs)) {
		return false
	}
	return true
}

func asPathString(a codec.Attrs) string {
	var b strings.Builder
	for _, seg := range a.ASPath {
		for _, asn := range seg.ASNs {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatUint(uint64(asn), 10))
		}
	}
	return b.String()
}

// CommunityMatch matches a route carrying a specific community, or any
// community from a set, with "*" as a wildcard half (e.g. "65001:*").
type CommunityMatch struct {
	Community string
	AnyOf     []string
}

func (m CommunityMatch) Match(r rib.Route) bool {
	if len(r.Attrs.Communities) == 0 {
		return false
	}
	if m.Community != "" {
		for _, c := range r.Attrs.Communities {
			if communityMatches(c, m.Community) {
				return true
			}
		}
	}
	for _, pattern := range m.AnyOf {
		for _, c := range r.Attrs.Communities {
			if communityMatches(c, pattern) {
				return true
			}
		}
	}
	return false
}

// NextHopMatch matches an exact NEXT_HOP address.
type NextHopMatch struct {
	NextHop net.IP
}

func (m NextHopMatch) Match(r rib.Route) bool {
	return r.Attrs.NextHop != nil && r.Attrs.NextHop.Equal(m.NextHop)
}

// LocalPrefMatch matches LOCAL_PREF against an exact value and/or range.
type LocalPrefMatch struct {
	Value *uint32
	Min   *uint32
	Max   *uint32
}

func (m LocalPrefMatch) Match(r rib.Route) bool {
	if r.Attrs.LocalPref == nil {
		return false
	}
	v := *r.Attrs.LocalPref
	if m.Value != nil && v != *m.Value {
		return false
	}
	if m.Min != nil && v < *m.Min {
		return false
	}
	if m.Max != nil && v > *m.Max {
		return false
	}
	return true
}

// MEDMatch matches MULTI_EXIT_DISC against an exact value and/or range.
type MEDMatch struct {
	Value *uint32
	Min   *uint32
	Max   *uint32
}

func (m MEDMatch) Match(r rib.Route) bool {
	if r.Attrs.MED == nil {
		return false
	}
	v := *r.Attrs.MED
	if m.Value != nil && v != *m.Value {
		return false
	}
	if m.Min != nil && v < *m.Min {
		return false
	}
	if m.Max != nil && v > *m.Max {
		return false
	}
	return true
}

// OriginMatch matches an exact ORIGIN value.
type OriginMatch struct {
	Origin uint8
}

func (m OriginMatch) Match(r rib.Route) bool {
	return r.Attrs.Origin != nil && *r.Attrs.Origin == m.Origin
}

// --- Actions ---

type acceptAction struct{}

func Accept() Action { return acceptAction{} }

func (acceptAction) Apply(r rib.Route) (rib.Route, bool) { return r, true }

type rejectAction struct{}

func Reject() Action { return rejectAction{} }

func (rejectAction) Apply(rib.Route) (rib.Route, bool) { return rib.Route{}, false }

type setLocalPrefAction struct{ value uint32 }

func SetLocalPref(value uint32) Action { return setLocalPrefAction{value} }

func (a setLocalPrefAction) Apply(r rib.Route) (rib.Route, bool) {
	v := a.value
	r.Attrs.LocalPref = &v
	return r, true
}

type setMEDAction struct{ value uint32 }

func SetMED(value uint32) Action { return setMEDAction{value} }

func (a setMEDAction) Apply(r rib.Route) (rib.Route, bool) {
	v := a.value
	r.Attrs.MED = &v
	return r, true
}

type setNextHopAction struct{ nextHop net.IP }

func SetNextHop(ip net.IP) Action { return setNextHopAction{ip} }

func (a setNextHopAction) Apply(r rib.Route) (rib.Route, bool) {
	r.Attrs.NextHop = a.nextHop
	return r, true
}

type prependASPathAction struct {
	asn   uint32
	count int
}

// PrependASPath prepends asn to AS_PATH count times.
func PrependASPath(asn uint32, count int) Action { return prependASPathAction{asn, count} }

func (a prependASPathAction) Apply(r rib.Route) (rib.Route, bool) {
	prepend := make([]uint32, a.count)
	for i := range prepend {
		prepend[i] = a.asn
	}
	if len(r.Attrs.ASPath) > 0 && r.Attrs.ASPath[0].Type == codec.SegASSequence {
		segs := make([]codec.ASPathSegment, len(r.Attrs.ASPath))
		copy(segs, r.Attrs.ASPath)
		segs[0].ASNs = append(append([]uint32{}, prepend...), segs[0].ASNs...)
		r.Attrs.ASPath = segs
		return r, true
	}
	newSeg := codec.ASPathSegment{Type: codec.SegASSequence, ASNs: prepend}
	r.Attrs.ASPath = append([]codec.ASPathSegment{newSeg}, r.Attrs.ASPath...)
	return r, true
}

type addCommunityAction struct{ community uint32 }

func AddCommunity(community uint32) Action { return addCommunityAction{community} }

func (a addCommunityAction) Apply(r rib.Route) (rib.Route, bool) {
	for _, c := range r.Attrs.Communities {
		if c == a.community {
			return r, true
		}
	}
	r.Attrs.Communities = append(append([]uint32{}, r.Attrs.Communities...), a.community)
	return r, true
}

type removeCommunityAction struct{ pattern string }

// RemoveCommunity removes communities matching pattern (supports "*"
// wildcards, e.g. "65001:*").
func RemoveCommunity(pattern string) Action { return removeCommunityAction{pattern} }

func (a removeCommunityAction) Apply(r rib.Route) (rib.Route, bool) {
	kept := make([]uint32, 0, len(r.Attrs.Communities))
	for _, c := range r.Attrs.Communities {
		if !communityMatches(c, a.pattern) {
			kept = append(kept, c)
		}
	}
	r.Attrs.Communities = kept
	return r, true
}

type setCommunityAction struct{ communities []uint32 }

// SetCommunity replaces COMMUNITIES entirely.
func SetCommunity(communities []uint32) Action { return setCommunityAction{communities} }

func (a setCommunityAction) Apply(r rib.Route) (rib.Route, bool) {
	r.Attrs.Communities = append([]uint32{}, a.communities...)
	return r, true
}

// communityMatches compares a wire-format community (high 16 bits ASN, low
// 16 bits value) against a pattern like "65001:100" or "65001:*".
func communityMatches(c uint32, pattern string) bool {
	asn := c >> 16
	val := c & 0xffff
	parts := strings.SplitN(pattern, ":", 2)
	if len(parts) != 2 {
		return false
	}
	if parts[0] != "*" {
		if v, err := strconv.ParseUint(parts[0], 10, 32); err != nil || uint32(v) != asn {
			return false
		}
	}
	if parts[1] != "*" {
		if v, err := strconv.ParseUint(parts[1], 10, 32); err != nil || uint32(v) != val {
			return false
		}
	}
	return true
}

// ParseCommunity parses a "asn:value" string into wire format.
func ParseCommunity(s string) (uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("policy: malformed community %q", s)
	}
	asn, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("policy: malformed community asn in %q: %w", s, err)
	}
	val, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("policy: malformed community value in %q: %w", s, err)
	}
	return uint32(asn)<<16 | uint32(val), nil
}
