// Package rconfig loads the agent's structured configuration record from
// YAML. It is a narrow collaborator: it produces a Config value and hands
// it to internal/agent; it never reaches back into the protocol core.
package rconfig

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// OSPFInterface is one OSPF-enabled interface: name, hello/dead intervals,
// and DR-election priority.
type OSPFInterface struct {
	Name          string `yaml:"name"`
	HelloInterval int    `yaml:"hello_interval_seconds"`
	DeadInterval  int    `yaml:"dead_interval_seconds"`
	Priority      uint8  `yaml:"priority"`
}

// OSPFConfig is the OSPF configuration; the agent runs a single area.
type OSPFConfig struct {
	AreaID     string          `yaml:"area_id"`
	Interfaces []OSPFInterface `yaml:"interfaces"`
}

// BGPPeerConfig is one configured BGP peer.
type BGPPeerConfig struct {
	PeerIP       string `yaml:"peer_ip"`
	PeerASN      uint32 `yaml:"peer_asn"`
	Passive      bool   `yaml:"passive"`
	HoldTime     int    `yaml:"hold_time_seconds"`
	Client       bool   `yaml:"route_reflector_client"`
	ImportPolicy string `yaml:"import_policy"`
	ExportPolicy string `yaml:"export_policy"`
	MultihopTTL  uint8  `yaml:"multihop_ttl"`
	Description  string `yaml:"description"`
}

// ReflectorConfig configures this speaker as a route reflector.
type ReflectorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ClusterID string `yaml:"cluster_id"`
}

// FlapDampingConfig is the route flap damping feature toggle (RFC 2439).
type FlapDampingConfig struct {
	Enabled         bool    `yaml:"enabled"`
	SuppressThresh  float64 `yaml:"suppress_threshold"`
	ReuseThresh     float64 `yaml:"reuse_threshold"`
	HalfLifeSeconds int     `yaml:"half_life_seconds"`
}

// RPKIConfig is the origin-validation feature toggle (RFC 6811).
type RPKIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ROASource     string `yaml:"roa_source"`
	RejectInvalid bool   `yaml:"reject_invalid"`
}

// GracefulRestartConfig is the graceful-restart feature toggle (RFC 4724).
type GracefulRestartConfig struct {
	Enabled           bool `yaml:"enabled"`
	RestartTimeSecond int  `yaml:"restart_time_seconds"`
}

// BGPConfig groups the local ASN, peers, and the advanced feature toggles.
type BGPConfig struct {
	LocalASN        uint32                `yaml:"local_asn"`
	Peers           []BGPPeerConfig       `yaml:"peers"`
	Reflector       ReflectorConfig       `yaml:"route_reflector"`
	FlapDamping     FlapDampingConfig     `yaml:"flap_damping"`
	RPKI            RPKIConfig            `yaml:"rpki"`
	GracefulRestart GracefulRestartConfig `yaml:"graceful_restart"`
}

// LoggingConfig configures internal/obslog.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// PersistenceConfig configures internal/obsstore.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Config is the full agent configuration record.
type Config struct {
	RouterID    string            `yaml:"router_id"`
	OSPF        OSPFConfig        `yaml:"ospf"`
	BGP         BGPConfig         `yaml:"bgp"`
	Logging     LoggingConfig     `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("rconfig: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants the core depends on before
// construction: a valid router-id and peer addresses, hold-times of 0 or at
// least 3 s, and OSPF dead intervals longer than their positive hello
// intervals. Priorities are bounded only by their uint8 type.
// It does not validate policy references; those are resolved by the
// policy engine at peer-construction time.
func (c *Config) Validate() error {
	if net.ParseIP(c.RouterID) == nil {
		return fmt.Errorf("rconfig: router_id %q is not a valid IPv4 literal", c.RouterID)
	}
	for _, p := range c.BGP.Peers {
		if net.ParseIP(p.PeerIP) == nil {
			return fmt.Errorf("rconfig: bgp peer_ip %q invalid", p.PeerIP)
		}
		if p.HoldTime != 0 && p.HoldTime < 3 {
			return fmt.Errorf("rconfig: bgp peer %s hold_time_seconds must be 0 or >=3, got %d", p.PeerIP, p.HoldTime)
		}
	}
	for _, ifc := range c.OSPF.Interfaces {
		if ifc.HelloInterval <= 0 {
			return fmt.Errorf("rconfig: ospf interface %s hello_interval_seconds must be positive", ifc.Name)
		}
		if ifc.DeadInterval <= ifc.HelloInterval {
			return fmt.Errorf("rconfig: ospf interface %s dead_interval_seconds must exceed hello_interval_seconds", ifc.Name)
		}
	}
	return nil
}

// Default returns a minimal configuration usable for smoke-testing the
// agent wiring.
func Default() *Config {
	return &Config{
		RouterID: "10.0.0.1",
		OSPF: OSPFConfig{
			AreaID: "0.0.0.0",
		},
		BGP: BGPConfig{
			LocalASN: 65001,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
