// Package config loads node configuration and builds the genesis block.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `yaml:"chain_id"`
	Owner   string            `yaml:"owner"` // chain owner pubkey hex (treasury withdrawals)
	Alloc   map[string]uint64 `yaml:"alloc"` // pubkey hex -> initial balance
}

// OracleConfig controls how the decryption oracle runs.
// When Embedded is true the node runs the oracle worker in-process; otherwise
// it starts the bridge listener and a remote worker connects to it.
type OracleConfig struct {
	Embedded   bool   `yaml:"embedded"`
	ListenAddr string `yaml:"listen_addr"` // bridge listen address (remote mode)
	Secret     string `yaml:"secret"`      // shared oracle secret
	PubKey     string `yaml:"pub_key"`     // oracle pubkey hex, pinned at genesis
	DelayMs    int    `yaml:"delay_ms"`    // simulated decryption latency
}

// TLSConfig holds the PEM paths for mutual TLS on the oracle bridge.
type TLSConfig struct {
	CACert   string `yaml:"ca_cert"`
	NodeCert string `yaml:"node_cert"`
	NodeKey  string `yaml:"node_key"`
}

// Config holds all node configuration.
type Config struct {
	NodeID          string        `yaml:"node_id"`
	DataDir         string        `yaml:"data_dir"`
	RPCPort         int           `yaml:"rpc_port"`
	RPCAuthToken    string        `yaml:"rpc_auth_token"` // empty disables auth
	MaxBlockTxs     int           `yaml:"max_block_txs"`  // 0 -> 500
	BlockIntervalMs int           `yaml:"block_interval_ms"`
	Validators      []string      `yaml:"validators"` // authorised proposer pubkey hexes
	Oracle          OracleConfig  `yaml:"oracle"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
	Genesis         GenesisConfig `yaml:"genesis"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:          "node0",
		DataDir:         "./data",
		RPCPort:         8545,
		MaxBlockTxs:     500,
		BlockIntervalMs: 1000,
		Oracle: OracleConfig{
			Embedded: true,
			DelayMs:  2000,
		},
		Genesis: GenesisConfig{
			ChainID: "magictree-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// Load reads a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
