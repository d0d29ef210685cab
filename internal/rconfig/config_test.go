package rconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
router_id: 10.0.1.1
ospf:
  area_id: 0.0.0.0
  interfaces:
    - name: eth0
      hello_interval_seconds: 10
      dead_interval_seconds: 40
      priority: 1
bgp:
  local_asn: 65001
  peers:
    - peer_ip: 192.0.2.2
      peer_asn: 65002
      hold_time_seconds: 90
    - peer_ip: 192.0.2.3
      peer_asn: 65001
      route_reflector_client: true
      passive: true
  route_reflector:
    enabled: true
    cluster_id: 10.0.0.1
  graceful_restart:
    enabled: true
    restart_time_seconds: 120
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "10.0.1.1", cfg.RouterID)
	require.Equal(t, uint32(65001), cfg.BGP.LocalASN)
	require.Len(t, cfg.BGP.Peers, 2)
	require.True(t, cfg.BGP.Peers[1].Client)
	require.True(t, cfg.BGP.Peers[1].Passive)
	require.True(t, cfg.BGP.Reflector.Enabled)
	require.Equal(t, "10.0.0.1", cfg.BGP.Reflector.ClusterID)
	require.True(t, cfg.BGP.GracefulRestart.Enabled)
	require.Len(t, cfg.OSPF.Interfaces, 1)
	require.Equal(t, 40, cfg.OSPF.Interfaces[0].DeadInterval)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadRouterID(t *testing.T) {
	_, err := Load(writeConfig(t, "router_id: not-an-ip\n"))
	require.Error(t, err)
}

func TestValidateRejectsShortHoldTime(t *testing.T) {
	cfg := Default()
	cfg.BGP.Peers = []BGPPeerConfig{{PeerIP: "192.0.2.2", PeerASN: 65002, HoldTime: 2}}
	require.Error(t, cfg.Validate())

	cfg.BGP.Peers[0].HoldTime = 0 // zero disables the hold timer, allowed
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsDeadNotExceedingHello(t *testing.T) {
	cfg := Default()
	cfg.OSPF.Interfaces = []OSPFInterface{{Name: "eth0", HelloInterval: 10, DeadInterval: 10}}
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
