// adapted from github.com/tendermint/tendermint/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	tmcfg "github.com/tendermint/tendermint/config"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"
)

var (
	DefaultNodeHome   = ".dbft"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"
	defaultConfigFile = "config.toml"

	defaultGenesisJSONName = "genesis.json"
	defaultPrivValKeyName  = "priv_validator_key.json"
	defaultNodeKeyName     = "node_key.json"

	defaultConfigFilePath   = filepath.Join(defaultConfigDir, defaultConfigFile)
	defaultGenesisJSONPath  = filepath.Join(defaultConfigDir, defaultGenesisJSONName)
	defaultPrivValKeyPath   = filepath.Join(defaultConfigDir, defaultPrivValKeyName)
	defaultNodeKeyPath      = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config is the top level node configuration.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	RPC       *tmcfg.RPCConfig `mapstructure:"rpc"`
	P2P       *tmcfg.P2PConfig `mapstructure:"p2p"`
	Mempool   *MempoolConfig   `mapstructure:"mempool"`
	Consensus *ConsensusConfig `mapstructure:"consensus"`
}

// DefaultConfig returns a default configuration for a node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		RPC:        tmcfg.DefaultRPCConfig(),
		P2P:        tmcfg.DefaultP2PConfig(),
		Mempool:    DefaultMempoolConfig(),
		Consensus:  DefaultConsensusConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	return &Config{
		BaseConfig: TestBaseConfig(),
		RPC:        tmcfg.TestRPCConfig(),
		P2P:        tmcfg.TestP2PConfig(),
		Mempool:    TestMempoolConfig(),
		Consensus:  TestConsensusConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.RPC.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [rpc] section")
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [mempool] section")
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a node.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Path to the JSON file containing the initial committee
	Genesis string `mapstructure:"genesis_file"`

	// Path to the JSON file containing the private key to use as a validator
	PrivValidatorKey string `mapstructure:"priv_validator_key_file"`

	// Run as an observer even if a validator key exists
	WatchOnly bool `mapstructure:"watch_only"`

	// A JSON file containing the private key to use for p2p authenticated encryption
	NodeKey string `mapstructure:"node_key_file"`
}

// DefaultBaseConfig returns a default base configuration for a node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Genesis:          defaultGenesisJSONPath,
		PrivValidatorKey: defaultPrivValKeyPath,
		NodeKey:          defaultNodeKeyPath,
		Moniker:          defaultMoniker,
		LogLevel:         DefaultLogLevel,
		LogFormat:        LogFormatPlain,
		DBBackend:        "goleveldb",
		DBPath:           defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "test-node"
	cfg.DBBackend = "memdb"
	return cfg
}

// GenesisFile returns the full path to the genesis.json file
func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

// PrivValidatorKeyFile returns the full path to the priv_validator_key.json file
func (cfg BaseConfig) PrivValidatorKeyFile() string {
	return rootify(cfg.PrivValidatorKey, cfg.RootDir)
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb", "cleveldb", "boltdb", "rocksdb", "badgerdb":
	default:
		return fmt.Errorf("unknown db_backend %q", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// MempoolConfig

// MempoolConfig defines the configuration options for the mempool
type MempoolConfig struct {
	// Maximum number of transactions in the mempool
	Size int `mapstructure:"size"`
	// Size of the cache of seen transaction hashes
	CacheSize int `mapstructure:"cache_size"`
	// Maximum size of a single transaction
	MaxTxBytes int `mapstructure:"max_tx_bytes"`
	// Gossip received transactions to peers
	Broadcast bool `mapstructure:"broadcast"`
}

// DefaultMempoolConfig returns a default configuration for the mempool
func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size:       5000,
		CacheSize:  10000,
		MaxTxBytes: 1024 * 1024, // 1MB
		Broadcast:  true,
	}
}

// TestMempoolConfig returns a configuration for testing the mempool
func TestMempoolConfig() *MempoolConfig {
	cfg := DefaultMempoolConfig()
	cfg.CacheSize = 1000
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size < 0 {
		return errors.New("size can't be negative")
	}
	if cfg.CacheSize < 0 {
		return errors.New("cache_size can't be negative")
	}
	if cfg.MaxTxBytes < 0 {
		return errors.New("max_tx_bytes can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig defines the configuration for the dBFT engine. The
// committee size and quorum are not configurable, they follow the genesis
// validator set.
type ConsensusConfig struct {
	// Target interval between blocks. Every timeout is derived from it.
	TimePerBlock time.Duration `mapstructure:"time_per_block"`
	// Maximum number of transactions the primary proposes
	MaxTxPerBlock int `mapstructure:"max_tx_per_block"`
	// Backups reject proposals whose transactions exceed this size
	MaxBlockBytes int64 `mapstructure:"max_block_bytes"`
	// The primary signs a commit like every backup when true
	PrimaryCommits bool `mapstructure:"primary_commits"`
	// Do not resume a round saved before a restart
	IgnoreRecoveryLogs bool `mapstructure:"ignore_recovery_logs"`

	PeerQueueSize int `mapstructure:"peer_queue_size"`
	TxQueueSize   int `mapstructure:"tx_queue_size"`
}

// DefaultConsensusConfig returns a default configuration for the consensus service
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		TimePerBlock:       15 * time.Second,
		MaxTxPerBlock:      512,
		MaxBlockBytes:      256 * 1024,
		PrimaryCommits:     true,
		IgnoreRecoveryLogs: false,
		PeerQueueSize:      1000,
		TxQueueSize:        1000,
	}
}

// TestConsensusConfig returns a configuration for testing the consensus service
func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.TimePerBlock = 200 * time.Millisecond
	cfg.MaxTxPerBlock = 64
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.TimePerBlock <= 0 {
		return errors.New("time_per_block must be positive")
	}
	if cfg.MaxTxPerBlock < 0 || cfg.MaxTxPerBlock > 65535 {
		return errors.New("max_tx_per_block must be in [0, 65535]")
	}
	if cfg.MaxBlockBytes <= 0 {
		return errors.New("max_block_bytes must be positive")
	}
	if cfg.PeerQueueSize < 1 || cfg.TxQueueSize < 1 {
		return errors.New("queue sizes must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
