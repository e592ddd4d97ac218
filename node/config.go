// Package node wires the execution node, application state and consensus
// engine into one process.
package node

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/spf13/viper"

	"github.com/ahwlsqja/pbft-bridge/app"
	"github.com/ahwlsqja/pbft-bridge/execution"
)

const (
	// DevChain selects the built-in single-validator genesis.
	DevChain = "dev"

	ConfigFileName  = "config.toml"
	GenesisFileName = "genesis.json"

	SchemaPolicyWarn = "warn"
	SchemaPolicyFail = "fail"

	envPrefix = "BRIDGE"
)

// Config holds configuration for a bridge node.
type Config struct {
	// 노드 식별
	Home   string `mapstructure:"home"`
	Chain  string `mapstructure:"chain"` // "dev" 또는 genesis.json 경로
	NodeID string `mapstructure:"node_id"`
	AppID  string `mapstructure:"app_id"`
	// Address is the local validator address in hex. Empty runs an observer.
	Address string `mapstructure:"address"`

	// 네트워크 주소
	ListenAddr string   `mapstructure:"listen_addr"`
	Peers      []string `mapstructure:"peers"`

	// SchemaPolicy decides whether a consensus table bootstrap failure
	// aborts startup ("fail") or is only logged ("warn").
	SchemaPolicy string `mapstructure:"schema_policy"`

	Execution ExecutionConfig `mapstructure:"execution"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	App       app.Config      `mapstructure:"app"`

	// Prometheus metrics
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// ExecutionConfig configures the execution node.
type ExecutionConfig struct {
	DBBackend string               `mapstructure:"db_backend"`
	DataDir   string               `mapstructure:"data_dir"` // 비어 있으면 <home>/execution
	ABCIAddr  string               `mapstructure:"abci_addr"`
	Pool      execution.PoolConfig `mapstructure:"pool"`
}

// ConsensusConfig holds the engine timing.
type ConsensusConfig struct {
	BlockInterval time.Duration `mapstructure:"block_interval"`
	RoundTimeout  time.Duration `mapstructure:"round_timeout"`
}

// MetricsConfig configures the metrics/status HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Home:         defaultHome(),
		Chain:        DevChain,
		NodeID:       "node0",
		AppID:        "bridge-1",
		ListenAddr:   "127.0.0.1:26656",
		Peers:        []string{},
		SchemaPolicy: SchemaPolicyWarn,
		Execution: ExecutionConfig{
			DBBackend: string(dbm.GoLevelDBBackend),
			Pool:      execution.DefaultPoolConfig(),
		},
		Consensus: ConsensusConfig{
			BlockInterval: time.Second,
			RoundTimeout:  5 * time.Second,
		},
		App: app.NewConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:26660",
		},
		LogLevel: "info",
	}
}

func defaultHome() string {
	return filepath.Join(".", ".bridge")
}

// SetDefaults registers every default on v, so env vars and config files
// can override single keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("home", d.Home)
	v.SetDefault("chain", d.Chain)
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("app_id", d.AppID)
	v.SetDefault("address", d.Address)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("peers", d.Peers)
	v.SetDefault("schema_policy", d.SchemaPolicy)
	v.SetDefault("execution.db_backend", d.Execution.DBBackend)
	v.SetDefault("execution.data_dir", d.Execution.DataDir)
	v.SetDefault("execution.abci_addr", d.Execution.ABCIAddr)
	v.SetDefault("execution.pool.max_txs", d.Execution.Pool.MaxTxs)
	v.SetDefault("execution.pool.max_bytes", d.Execution.Pool.MaxBytes)
	v.SetDefault("execution.pool.max_tx_bytes", d.Execution.Pool.MaxTxBytes)
	v.SetDefault("execution.pool.cache_size", d.Execution.Pool.CacheSize)
	v.SetDefault("consensus.block_interval", d.Consensus.BlockInterval)
	v.SetDefault("consensus.round_timeout", d.Consensus.RoundTimeout)
	v.SetDefault("app.max_block_bytes", d.App.MaxBlockBytes)
	v.SetDefault("app.max_block_txs", d.App.MaxBlockTxs)
	v.SetDefault("app.submit_timeout", d.App.SubmitTimeout)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("log_level", d.LogLevel)
}

// LoadConfig decodes v into a Config. It reads <home>/config.toml when it
// exists and lets BRIDGE_* environment variables override any key.
func LoadConfig(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(filepath.Join(v.GetString("home"), ConfigFileName))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// ConsensusHome is the engine home directory.
func (c *Config) ConsensusHome() string {
	return filepath.Join(c.Home, "consensus")
}

// ExecutionDataDir is the execution database directory.
func (c *Config) ExecutionDataDir() string {
	if c.Execution.DataDir != "" {
		return c.Execution.DataDir
	}
	return filepath.Join(c.Home, "execution")
}

// Validate validates the configuration. Engine level checks such as
// address parsing are left to the engine.
func (c *Config) Validate() error {
	if c.Home == "" {
		return ErrEmptyHome
	}
	if c.Chain == "" {
		return ErrEmptyChain
	}
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.AppID == "" {
		return ErrEmptyAppID
	}
	switch c.SchemaPolicy {
	case SchemaPolicyWarn, SchemaPolicyFail:
	default:
		return ErrInvalidSchemaPolicy
	}
	switch dbm.BackendType(c.Execution.DBBackend) {
	case dbm.GoLevelDBBackend, dbm.MemDBBackend:
	default:
		return ErrInvalidDBBackend
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if err := c.App.Validate(); err != nil {
		return err
	}
	return nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyHome           = configError("home directory is required")
	ErrEmptyChain          = configError("chain is required")
	ErrEmptyNodeID         = configError("node ID is required")
	ErrEmptyAppID          = configError("app ID is required")
	ErrInvalidSchemaPolicy = configError("schema policy must be warn or fail")
	ErrInvalidDBBackend    = configError("db backend must be goleveldb or memdb")
	ErrEmptyMetricsAddr    = configError("metrics address is required when metrics are enabled")
)
