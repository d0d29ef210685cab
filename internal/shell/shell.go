// Package shell is the read-only operator REPL over the observable-state
// snapshot: a readline loop with a history file under the user's home
// directory, a prefix completer, and a command dispatch switch. Only show
// commands exist; the running configuration cannot be mutated from here.
package shell

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"routeragent/internal/agent"
)

// Snapshot is the state shape the shell renders.
type Snapshot = agent.Snapshot

// StateReader is the snapshot surface the shell renders; *agent.Agent
// implements it.
type StateReader interface {
	Snapshot() (Snapshot, error)
}

// Shell is one interactive session on stdin/stdout.
type Shell struct {
	state StateReader
	rl    *readline.Instance
	out   io.Writer
}

// NewPrinter returns a Shell that renders to out without an interactive
// readline loop, for one-shot command execution and tests.
func NewPrinter(state StateReader, out io.Writer) *Shell {
	return &Shell{state: state, out: out}
}

// New constructs a Shell over the agent's snapshot query.
func New(state StateReader) (*Shell, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "routeragent> ",
		HistoryFile:     filepath.Join(homeDir, ".routeragent_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("show",
				readline.PcItem("bgp", readline.PcItem("summary")),
				readline.PcItem("ospf", readline.PcItem("neighbor"), readline.PcItem("database")),
				readline.PcItem("ip", readline.PcItem("route")),
			),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("shell: init readline: %w", err)
	}
	return &Shell{state: state, rl: rl, out: rl.Stdout()}, nil
}

// Run reads and executes commands until exit or EOF.
func (sh *Shell) Run() {
	defer sh.rl.Close()
	for {
		line, err := sh.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		sh.Execute(line)
	}
}

// Execute dispatches one command line and writes its rendering to the
// shell's output.
func (sh *Shell) Execute(line string) {
	args := strings.Fields(line)
	switch {
	case args[0] == "help":
		sh.printHelp()
	case len(args) >= 3 && args[0] == "show" && args[1] == "bgp" && args[2] == "summary":
		sh.withSnapshot(sh.renderBGPSummary)
	case len(args) >= 3 && args[0] == "show" && args[1] == "ospf" && args[2] == "neighbor":
		sh.withSnapshot(sh.renderOSPFNeighbors)
	case len(args) >= 3 && args[0] == "show" && args[1] == "ospf" && args[2] == "database":
		sh.withSnapshot(sh.renderLSDB)
	case len(args) >= 3 && args[0] == "show" && args[1] == "ip" && args[2] == "route":
		sh.withSnapshot(sh.renderRoutes)
	default:
		fmt.Fprintf(sh.out, "unknown command: %s (try 'help')\n", line)
	}
}

func (sh *Shell) withSnapshot(render func(Snapshot)) {
	snap, err := sh.state.Snapshot()
	if err != nil {
		fmt.Fprintf(sh.out, "snapshot unavailable: %v\n", err)
		return
	}
	render(snap)
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.out, "Available commands:")
	fmt.Fprintln(sh.out, "  show bgp summary     BGP peer states and message counters")
	fmt.Fprintln(sh.out, "  show ospf neighbor   OSPF neighbor states")
	fmt.Fprintln(sh.out, "  show ospf database   link-state database headers")
	fmt.Fprintln(sh.out, "  show ip route        installed routes and SPF table")
	fmt.Fprintln(sh.out, "  exit                 leave the shell")
}

func (sh *Shell) renderBGPSummary(snap Snapshot) {
	fmt.Fprintf(sh.out, "Router ID %s\n", snap.RouterID)
	fmt.Fprintf(sh.out, "%-16s %-8s %-12s %8s %8s %6s %6s\n",
		"Neighbor", "AS", "State", "MsgRcvd", "MsgSent", "PfxIn", "PfxOut")
	for _, p := range snap.Peers {
		rcvd := p.Counters.OpenRecv + p.Counters.UpdateRecv + p.Counters.KeepaliveRecv + p.Counters.NotificationRecv
		sent := p.Counters.OpenSent + p.Counters.UpdateSent + p.Counters.KeepaliveSent + p.Counters.NotificationSent
		fmt.Fprintf(sh.out, "%-16s %-8d %-12s %8d %8d %6d %6d\n",
			p.PeerIP, p.PeerASN, p.State, rcvd, sent, p.AdjInSize, p.AdjOutSize)
	}
}

func (sh *Shell) renderOSPFNeighbors(snap Snapshot) {
	fmt.Fprintf(sh.out, "%-16s %-16s %-10s %-10s\n", "Neighbor ID", "Address", "Interface", "State")
	for _, n := range snap.Neighbors {
		fmt.Fprintf(sh.out, "%-16s %-16s %-10s %-10s\n", n.RouterID, n.Address, n.Interface, n.State)
	}
}

func (sh *Shell) renderLSDB(snap Snapshot) {
	fmt.Fprintf(sh.out, "%-6s %-16s %-16s %10s %6s\n", "Type", "Link ID", "Adv Router", "Seq", "Age")
	for _, h := range snap.LSDB {
		fmt.Fprintf(sh.out, "%-6d %-16s %-16s 0x%08x %6d\n",
			h.Type, h.LinkStateID, h.AdvertisingRouter, h.SequenceNumber, h.Age)
	}
}

func (sh *Shell) renderRoutes(snap Snapshot) {
	fmt.Fprintln(sh.out, "Installed routes (kernel):")
	for _, e := range snap.Installed {
		nh := "directly connected"
		if e.NextHop != nil {
			nh = "via " + e.NextHop.String()
		}
		fmt.Fprintf(sh.out, "  %-20s %-24s [%s]\n", e.Prefix, nh, e.Source)
	}
	if snap.FailedInstalls > 0 {
		fmt.Fprintf(sh.out, "  (%d prefixes failed to install)\n", snap.FailedInstalls)
	}
	fmt.Fprintln(sh.out, "OSPF routing table (SPF):")
	for _, r := range snap.SPFTable {
		fmt.Fprintf(sh.out, "  %-20s via %-16s cost %d\n", r.Prefix, r.NextHop, r.Cost)
	}
}
