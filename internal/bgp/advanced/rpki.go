package advanced

import (
	"routeragent/internal/bgp/rib"
	"routeragent/internal/route"
)

// ROA is a Route Origin Authorization entry: prefix, maximum allowed
// announced length, and the AS authorized to originate it (RFC 6811).
type ROA struct {
	Prefix    route.Prefix
	MaxLength uint8
	ASN       uint32
}

// covers reports whether this ROA authorizes an announcement of candidate
// originated by originASN.
func (r ROA) covers(candidate route.Prefix, originASN uint32) bool {
	if r.ASN != originASN {
		return false
	}
	if candidate.Family != r.Prefix.Family {
		return false
	}
	if candidate.Length < r.Prefix.Length || candidate.Length > r.MaxLength {
		return false
	}
	return r.Prefix.IPNet().Contains(candidate.IPNet().IP)
}

// RPKIValidator validates route origins against a ROA set (RFC 6811).
// The lookup is a linear scan: ROA sets here are operator-configured and
// small, and the RPKI-to-Router transport for fetching them from a
// validator cache is not implemented.
type RPKIValidator struct {
	roas []ROA
}

func NewRPKIValidator() *RPKIValidator {
	return &RPKIValidator{}
}

func (v *RPKIValidator) AddROA(r ROA) {
	v.roas = append(v.roas, r)
}

func (v *RPKIValidator) RemoveROA(prefix route.Prefix, asn uint32) {
	kept := v.roas[:0]
	for _, r := range v.roas {
		if r.Prefix.Equal(prefix) && r.ASN == asn {
			continue
		}
		kept = append(kept, r)
	}
	v.roas = kept
}

// Validate implements the RFC 6811 origin-validation algorithm: Valid if
// some ROA covers the prefix at this length for this origin AS, Invalid if
// a ROA covers the prefix but rejects the length or AS, NotFound if no ROA
// names this prefix range at all.
func (v *RPKIValidator) Validate(candidate route.Prefix, originASN uint32) rib.Validation {
	sawCoveringPrefix := false
	for _, r := range v.roas {
		if r.Prefix.Family != candidate.Family || candidate.Length < r.Prefix.Length {
			continue
		}
		if !r.Prefix.IPNet().Contains(candidate.IPNet().IP) {
			continue
		}
		sawCoveringPrefix = true
		if r.covers(candidate, originASN) {
			return rib.ValidationValid
		}
	}
	if sawCoveringPrefix {
		return rib.ValidationInvalid
	}
	return rib.ValidationNotFound
}
