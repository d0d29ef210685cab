// Command routeragent runs the dual-protocol routing agent: OSPFv2 and
// BGP-4 speakers feeding one kernel-FIB installer, with an optional
// read-only operator shell.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"routeragent/internal/agent"
	"routeragent/internal/kernelfib"
	"routeragent/internal/obslog"
	"routeragent/internal/obsstore"
	"routeragent/internal/rconfig"
	"routeragent/internal/shell"
)

var version = "0.3.0"

func main() {
	root := &cobra.Command{
		Use:   "routeragent",
		Short: "OSPFv2/BGP-4 dynamic routing agent",
	}
	root.AddCommand(runCommand(), versionCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("routeragent", version)
		},
	}
}

func runCommand() *cobra.Command {
	var (
		configPath string
		withShell  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the routing agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rconfig.Default()
			if configPath != "" {
				loaded, err := rconfig.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			obslog.Init(obslog.Options{Level: cfg.Logging.Level, LogFile: cfg.Logging.File})
			log := obslog.For("main")

			a, err := agent.New(cfg, kernelfib.New())
			if err != nil {
				return err
			}
			if err := a.Start(); err != nil {
				return err
			}
			log.Infof("routeragent %s started, router-id %s", version, cfg.RouterID)

			stopPersist := startPersistence(cfg, a)

			if withShell {
				sh, err := shell.New(a)
				if err != nil {
					return err
				}
				sh.Run()
			} else {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig
			}

			log.Info("shutting down")
			stopPersist()
			a.Stop()
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().BoolVar(&withShell, "shell", false, "run the interactive operator shell on stdin")
	return cmd
}

// startPersistence periodically copies the observable-state snapshot into
// the obsstore sink when persistence is enabled. Returns a stop function.
func startPersistence(cfg *rconfig.Config, a *agent.Agent) func() {
	if !cfg.Persistence.Enabled {
		return func() {}
	}
	store, err := obsstore.Open(cfg.Persistence.DBPath)
	if err != nil {
		obslog.For("main").WithError(err).Warn("persistence disabled: store unavailable")
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				persistSnapshot(store, a)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = store.Close()
	}
}

func persistSnapshot(store *obsstore.Store, a *agent.Agent) {
	snap, err := a.Snapshot()
	if err != nil {
		return
	}
	now := time.Now()

	rows := make([]obsstore.PeerStatRow, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		rows = append(rows, obsstore.PeerStatRow{
			PeerIP:           p.PeerIP,
			State:            p.State,
			OpenSent:         p.Counters.OpenSent,
			OpenRecv:         p.Counters.OpenRecv,
			UpdateSent:       p.Counters.UpdateSent,
			UpdateRecv:       p.Counters.UpdateRecv,
			KeepaliveSent:    p.Counters.KeepaliveSent,
			KeepaliveRecv:    p.Counters.KeepaliveRecv,
			NotificationSent: p.Counters.NotificationSent,
			NotificationRecv: p.Counters.NotificationRecv,
			AdjInSize:        p.AdjInSize,
			AdjOutSize:       p.AdjOutSize,
			RecordedAt:       now,
		})
	}
	_ = store.AppendPeerStats(rows)

	lsdbRows := make([]obsstore.LSDBSnapshotRow, 0, len(snap.LSDB))
	for _, h := range snap.LSDB {
		lsdbRows = append(lsdbRows, obsstore.LSDBSnapshotRow{
			LSType:            uint8(h.Type),
			LinkStateID:       h.LinkStateID.String(),
			AdvertisingRouter: h.AdvertisingRouter.String(),
			SequenceNumber:    h.SequenceNumber,
			Age:               h.Age,
			RecordedAt:        now,
		})
	}
	_ = store.AppendLSDBSnapshot(lsdbRows)

	for _, e := range snap.Installed {
		nh := ""
		if e.NextHop != nil {
			nh = e.NextHop.String()
		}
		_ = store.AppendRouteEvent(obsstore.InstalledRouteRow{
			Prefix:     e.Prefix.String(),
			Source:     e.Source.String(),
			NextHop:    nh,
			Interface:  e.Interface,
			RecordedAt: now,
		})
	}
}
