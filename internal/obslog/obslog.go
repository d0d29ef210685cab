// Package obslog is the agent's structured logging surface: one global
// logrus logger configured at process start, with per-component derived
// entries carrying identifying fields.
package obslog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base *logrus.Logger
	once sync.Once
)

// Options configures the base logger. LogFile may be empty, meaning
// stderr-only.
type Options struct {
	Level   string // "debug", "info", "warn", "error"
	LogFile string
}

// Init configures the package-level base logger. Safe to call once at
// process start; subsequent calls are no-ops.
func Init(opts Options) {
	once.Do(func() {
		base = logrus.New()
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		lvl, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		base.SetLevel(lvl)

		var out io.Writer = os.Stderr
		if opts.LogFile != "" {
			f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				out = io.MultiWriter(os.Stderr, f)
			}
		}
		base.SetOutput(out)
	})
}

func ensure() *logrus.Logger {
	if base == nil {
		Init(Options{Level: "info"})
	}
	return base
}

// For returns a logger entry scoped to one component (e.g. "bgp.fsm",
// "ospf.flood", "installer").
func For(component string) *logrus.Entry {
	return ensure().WithField("component", component)
}

// ForPeer returns a logger entry scoped to one BGP peer.
func ForPeer(peerIP string) *logrus.Entry {
	return ensure().WithField("component", "bgp").WithField("peer", peerIP)
}

// ForNeighbor returns a logger entry scoped to one OSPF neighbor/interface.
func ForNeighbor(routerID string, iface string) *logrus.Entry {
	return ensure().WithField("component", "ospf").
		WithField("neighbor", routerID).
		WithField("iface", iface)
}
