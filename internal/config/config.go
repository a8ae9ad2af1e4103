// Package config provides centralized configuration for the helix wallet
// daemon. All tunables (storage, chain endpoints, fee caching, API) live
// here; no hardcoded endpoints should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file name inside the data directory.
const ConfigFileName = "config.yaml"

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds all daemon configuration.
type Config struct {
	NetworkType NetworkType `yaml:"network_type"`

	Storage StorageConfig        `yaml:"storage"`
	Chains  map[string]ChainNode `yaml:"chains,omitempty"`
	Fees    FeeConfig            `yaml:"fees"`
	API     APIConfig            `yaml:"api"`
	Logging LoggingConfig        `yaml:"logging"`
}

// StorageConfig holds record store settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`

	// CacheCapacity bounds the number of records held in memory.
	CacheCapacity int `yaml:"cache_capacity"`

	// Compression enables gzip compression of record payloads at rest.
	Compression bool `yaml:"compression"`
}

// ChainNode holds the endpoint configuration for one chain backend.
type ChainNode struct {
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Credentials for JSON-RPC nodes (Bitcoin Core style).
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// Macaroon/token auth for REST nodes (payment channel, contract chain).
	AuthToken string `yaml:"auth_token,omitempty"`

	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// FeeConfig holds fee service settings.
type FeeConfig struct {
	// CacheTTL is how long a recommendation set stays valid per mode.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// APIConfig holds JSON-RPC API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultChainNodes returns default endpoints for all supported chains.
func DefaultChainNodes() map[string]ChainNode {
	return map[string]ChainNode{
		"bitcoin": {
			MainnetURL: "http://127.0.0.1:8332",
			TestnetURL: "http://127.0.0.1:18332",
		},
		"lightning": {
			MainnetURL: "https://127.0.0.1:8080",
			TestnetURL: "https://127.0.0.1:8080",
		},
		"asset": {
			MainnetURL: "http://127.0.0.1:7070",
			TestnetURL: "http://127.0.0.1:7070",
		},
		"contract": {
			MainnetURL: "https://api.hiro.so",
			TestnetURL: "https://api.testnet.hiro.so",
		},
	}
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: Mainnet,
		Storage: StorageConfig{
			DataDir:       "~/.helix",
			CacheCapacity: 1000,
			Compression:   true,
		},
		Chains: DefaultChainNodes(),
		Fees: FeeConfig{
			CacheTTL: 10 * time.Minute,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8180",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads the config from dataDir, creating a default config
// file on first run.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == Testnet
}

// ChainURL returns the endpoint URL for a chain on the configured network.
func (c *Config) ChainURL(chain string) string {
	node, ok := c.Chains[chain]
	if !ok {
		defaults := DefaultChainNodes()
		node, ok = defaults[chain]
		if !ok {
			return ""
		}
	}
	if c.IsTestnet() {
		return node.TestnetURL
	}
	return node.MainnetURL
}

// ChainNodeConfig returns the node config for a chain, falling back to
// defaults for chains not present in the config file.
func (c *Config) ChainNodeConfig(chain string) (ChainNode, bool) {
	if node, ok := c.Chains[chain]; ok {
		return node, true
	}
	node, ok := DefaultChainNodes()[chain]
	return node, ok
}

// ConfigPath returns the config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
