// Package advanced implements flap damping, RPKI validation state, and
// graceful-restart bookkeeping. Each is a narrow manager the agent calls
// at route-received and session-state-change; none of them touch the wire
// codec.
package advanced

import (
	"math"
	"time"
)

// FlapDampingConfig holds the RFC 2439 damping parameters:
// suppress/reuse thresholds and the penalty half-life.
type FlapDampingConfig struct {
	SuppressThreshold      float64
	ReuseThreshold         float64
	CutoffThreshold        float64
	HalfLife               time.Duration
	MaxSuppressTime        time.Duration
	WithdrawalPenalty      float64
	AttributeChangePenalty float64
}

// DefaultFlapDampingConfig returns the RFC 2439-recommended defaults.
func DefaultFlapDampingConfig() FlapDampingConfig {
	return FlapDampingConfig{
		SuppressThreshold:      3000,
		ReuseThreshold:         750,
		CutoffThreshold:        1000,
		HalfLife:               15 * time.Minute,
		MaxSuppressTime:        60 * time.Minute,
		WithdrawalPenalty:      1000,
		AttributeChangePenalty: 500,
	}
}

func (c FlapDampingConfig) decayConstant() float64 {
	return math.Log(2) / c.HalfLife.Seconds()
}

type flapInfo struct {
	penalty      float64
	lastUpdate   time.Time
	flapCount    int
	firstFlap    time.Time
	isSuppressed bool
	suppressedAt time.Time
	withdrawals  int
	attrChanges  int
}

// FlapDamper tracks per-prefix flap penalties and suppression state
// (RFC 2439).
type FlapDamper struct {
	cfg   FlapDampingConfig
	now   func() time.Time
	flaps map[string]*flapInfo
}

// NewFlapDamper constructs a damper. now is injected so tests can control
// elapsed-time-dependent decay without sleeping.
func NewFlapDamper(cfg FlapDampingConfig, now func() time.Time) *FlapDamper {
	if now == nil {
		now = time.Now
	}
	return &FlapDamper{cfg: cfg, now: now, flaps: make(map[string]*flapInfo)}
}

func (d *FlapDamper) entry(prefix string) *flapInfo {
	info, ok := d.flaps[prefix]
	if !ok {
		n := d.now()
		info = &flapInfo{lastUpdate: n, firstFlap: n}
		d.flaps[prefix] = info
	}
	return info
}

func (d *FlapDamper) decay(info *flapInfo) {
	if info.penalty <= 0 {
		return
	}
	elapsed := d.now().Sub(info.lastUpdate).Seconds()
	info.penalty *= math.Exp(-d.cfg.decayConstant() * elapsed)
	info.lastUpdate = d.now()
}

// RouteWithdrawn records a withdrawal penalty and reports whether the
// route is (now, or still) suppressed.
func (d *FlapDamper) RouteWithdrawn(prefix string) bool {
	info := d.entry(prefix)
	d.decay(info)
	info.penalty += d.cfg.WithdrawalPenalty
	info.withdrawals++
	info.flapCount++
	if !info.isSuppressed && info.penalty >= d.cfg.SuppressThreshold {
		info.isSuppressed = true
		info.suppressedAt = d.now()
	}
	return info.isSuppressed
}

// RouteAnnounced records a re-announcement and reports whether the route
// should be suppressed (attributeChanged adds the smaller penalty; a plain
// re-announcement after decay may trigger reuse).
func (d *FlapDamper) RouteAnnounced(prefix string, attributeChanged bool) bool {
	info := d.entry(prefix)
	d.decay(info)
	if attributeChanged {
		info.penalty += d.cfg.AttributeChangePenalty
		info.attrChanges++
		info.flapCount++
	}
	if !info.isSuppressed && info.penalty >= d.cfg.SuppressThreshold {
		info.isSuppressed = true
		info.suppressedAt = d.now()
		return true
	}
	if info.isSuppressed && info.penalty <= d.cfg.ReuseThreshold {
		info.isSuppressed = false
		return false
	}
	return info.isSuppressed
}

// IsSuppressed reports current suppression, forcing reuse if the maximum
// suppress duration has elapsed.
func (d *FlapDamper) IsSuppressed(prefix string) bool {
	info, ok := d.flaps[prefix]
	if !ok {
		return false
	}
	if info.isSuppressed && d.now().Sub(info.suppressedAt) >= d.cfg.MaxSuppressTime {
		info.isSuppressed = false
		return false
	}
	return info.isSuppressed
}

// Penalty returns the decayed current penalty.
func (d *FlapDamper) Penalty(prefix string) float64 {
	info, ok := d.flaps[prefix]
	if !ok {
		return 0
	}
	d.decay(info)
	return info.penalty
}

// ClearHistory drops tracking state for a prefix entirely.
func (d *FlapDamper) ClearHistory(prefix string) {
	delete(d.flaps, prefix)
}
