package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahwlsqja/pbft-bridge/app"
	"github.com/ahwlsqja/pbft-bridge/consensus"
	"github.com/ahwlsqja/pbft-bridge/crypto"
	"github.com/ahwlsqja/pbft-bridge/execution"
	"github.com/ahwlsqja/pbft-bridge/lifecycle"
	"github.com/ahwlsqja/pbft-bridge/metrics"
	"github.com/ahwlsqja/pbft-bridge/store"
	"github.com/ahwlsqja/pbft-bridge/types"
)

const (
	// DevChainID is the chain id of the built-in genesis.
	DevChainID = "1"

	metricsNamespace = "bridge"
	nodeKeyFile      = "node_key.json"
)

// Services are the running components of a node.
type Services struct {
	Execution *execution.Node
	State     *app.State
	Consensus *consensus.Handle
	Metrics   *metrics.Server // nil when metrics are disabled
	// Submitter adds a tx locally and gossips it to the peers.
	Submitter metrics.TxSubmitter
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	db       dbm.DB
	registry *prometheus.Registry
	signer   crypto.Signer
	ready    func(*Services)
}

// WithExecutionDB runs the execution node on db instead of opening one.
func WithExecutionDB(db dbm.DB) Option {
	return func(o *runOptions) { o.db = db }
}

// WithRegistry registers metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *runOptions) { o.registry = reg }
}

// WithSigner makes the engine sign with signer instead of its node key.
func WithSigner(signer crypto.Signer) Option {
	return func(o *runOptions) { o.signer = signer }
}

// WithReadyHook calls fn once every component is running.
func WithReadyHook(fn func(*Services)) Option {
	return func(o *runOptions) { o.ready = fn }
}

// NewLogger returns a stdout logger filtered at level.
func NewLogger(level string) (log.Logger, error) {
	allow, err := log.AllowLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	return log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allow), nil
}

// DevGenesis is the built-in single-validator genesis. Its validator key is
// all zeros, so no local node can sign for it.
func DevGenesis() types.Genesis {
	var addr types.Address
	addr[0] = 1
	validator := types.NewValidatorInfo(addr, 1000, make([]byte, types.PubKeySize))
	return types.NewGenesis(DevChainID).WithValidators([]types.ValidatorInfo{validator})
}

// LoadGenesis resolves the genesis and the local address for cfg.
func LoadGenesis(cfg *Config) (types.Genesis, types.Address, error) {
	var genesis types.Genesis
	if cfg.Chain == DevChain {
		genesis = DevGenesis()
	} else {
		g, err := types.LoadGenesisFile(cfg.Chain)
		if err != nil {
			return types.Genesis{}, types.Address{}, err
		}
		genesis = g
	}

	address, err := localAddress(cfg)
	if err != nil {
		return types.Genesis{}, types.Address{}, err
	}
	return genesis, address, nil
}

// localAddress is the configured address, or the address of an existing
// node key. Without either the node is an observer.
func localAddress(cfg *Config) (types.Address, error) {
	if cfg.Address != "" {
		addr, err := types.AddressFromHex(cfg.Address)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid local address: %w", err)
		}
		return addr, nil
	}
	if cfg.Chain == DevChain {
		return types.Address{}, nil
	}
	path := filepath.Join(cfg.ConsensusHome(), nodeKeyFile)
	if _, err := os.Stat(path); err != nil {
		return types.Address{}, nil
	}
	signer, err := crypto.LoadOrGenNodeKey(path)
	if err != nil {
		return types.Address{}, err
	}
	return signer.Address(), nil
}

// bootstrapTables creates the consensus tables while the execution node
// still has exclusive access to its database.
func bootstrapTables(policy string, m *metrics.Metrics) execution.Hook {
	return func(lc *execution.LaunchContext) error {
		if err := store.CreateTablesFor(lc.DB(), store.Tables); err != nil {
			m.IncrementSchemaErrors()
			if policy == SchemaPolicyFail {
				return err
			}
			lc.Logger().Error("Failed to create consensus tables", "err", err)
			return nil
		}
		lc.Logger().Info("Created consensus tables")
		return nil
	}
}

// Run starts the execution node, the application state and the consensus
// engine, then blocks until one of them exits or ctx is done. It returns
// nil when ctx ends the run.
func Run(ctx context.Context, cfg *Config, logger log.Logger, opts ...Option) error {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	genesis, address, err := LoadGenesis(cfg)
	if err != nil {
		return err
	}
	m := metrics.NewMetrics(metricsNamespace, o.registry)

	// 1. 실행 노드 (테이블 부트스트랩 훅 포함)
	execCfg := execution.DefaultNodeConfig(genesis, cfg.ExecutionDataDir())
	execCfg.DBBackend = cfg.Execution.DBBackend
	execCfg.ABCIAddr = cfg.Execution.ABCIAddr
	execCfg.Pool = cfg.Execution.Pool
	execCfg.DB = o.db

	nh, err := execution.NewBuilder(execCfg, logger).
		Apply(bootstrapTables(cfg.SchemaPolicy, m)).
		Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch execution node: %w", err)
	}
	execNode := nh.Node

	coord := lifecycle.NewCoordinator(logger, m)
	coord.OnShutdown("execution-node", ignoreStopped(execNode.Stop))

	// 2. 애플리케이션 상태
	state, err := app.FromProvider(ctx,
		app.Context{Logger: logger, Metrics: m},
		cfg.App, genesis, address, execNode, execNode.Handle())
	if err != nil {
		stopQuietly(logger, execNode.Stop)
		return fmt.Errorf("failed to create application state: %w", err)
	}
	logger.Info("Application state created", "chain_id", genesis.ChainID, "address", address)

	// 3. 합의 엔진
	engCfg := consensus.NewEngineConfig(cfg.AppID, cfg.NodeID, cfg.ListenAddr)
	engCfg.Peers = cfg.Peers
	engCfg.BlockInterval = cfg.Consensus.BlockInterval
	engCfg.RoundTimeout = cfg.Consensus.RoundTimeout

	engOpts := []consensus.Option{
		consensus.WithLogger(logger),
		consensus.WithMetrics(m),
		consensus.WithTxSink(execNode),
	}
	if o.signer != nil {
		engOpts = append(engOpts, consensus.WithSigner(o.signer))
	}
	ch, err := consensus.StartConsensusEngine(ctx, state, engCfg, cfg.ConsensusHome(), engOpts...)
	if err != nil {
		stopQuietly(logger, execNode.Stop)
		return err
	}
	coord.OnShutdown("consensus-engine", ch.Stop)

	// 4. 메트릭/상태 서버
	submitter := &gossipSubmitter{node: execNode, engine: ch, logger: logger}
	services := &Services{Execution: execNode, State: state, Consensus: ch, Submitter: submitter}
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr, m, statusFunc(cfg, state, ch, execNode), submitter, logger)
		if err := srv.Start(); err != nil {
			stopQuietly(logger, ch.Stop)
			stopQuietly(logger, execNode.Stop)
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		coord.OnShutdown("metrics-server", srv.Stop)
		services.Metrics = srv
	}

	if o.ready != nil {
		o.ready(services)
	}

	s := coord.Wait(nh.Exit, ch.App, ctx.Done())
	if s.Err != nil {
		return fmt.Errorf("%s exited: %w", s.Source, s.Err)
	}
	return nil
}

// gossipSubmitter adds a tx to the local pool, then gossips it.
type gossipSubmitter struct {
	node   *execution.Node
	engine *consensus.Handle
	logger log.Logger
}

func (g *gossipSubmitter) SubmitTx(ctx context.Context, tx []byte) error {
	if err := g.node.SubmitTx(ctx, tx); err != nil {
		return err
	}
	if err := g.engine.BroadcastTx(tx); err != nil {
		g.logger.Error("Failed to gossip tx", "err", err)
	}
	return nil
}

// Status is served on /status.
type Status struct {
	NodeID         string `json:"node_id"`
	ChainID        string `json:"chain_id"`
	Address        string `json:"address"`
	Height         uint64 `json:"height"`
	Round          uint64 `json:"round"`
	ExecutionHead  uint64 `json:"execution_head"`
	AppHash        string `json:"app_hash"`
	PendingTxs     int    `json:"pending_txs"`
	ConsensusError string `json:"consensus_error,omitempty"`
}

func statusFunc(cfg *Config, state *app.State, ch *consensus.Handle, n *execution.Node) metrics.StatusFunc {
	return func(context.Context) (interface{}, error) {
		height, round := ch.Height()
		head := state.Head()
		st := Status{
			NodeID:        cfg.NodeID,
			ChainID:       state.Genesis().ChainID,
			Address:       state.Address().String(),
			Height:        height,
			Round:         round,
			ExecutionHead: head.Height,
			AppHash:       fmt.Sprintf("%X", head.AppHash),
			PendingTxs:    n.Pool().Size(),
		}
		if err := ch.Err(); err != nil {
			st.ConsensusError = err.Error()
		}
		return st, nil
	}
}

func ignoreStopped(stop func() error) func() error {
	return func() error {
		if err := stop(); err != nil && !isAlreadyStopped(err) {
			return err
		}
		return nil
	}
}

func stopQuietly(logger log.Logger, stop func() error) {
	if err := ignoreStopped(stop)(); err != nil {
		logger.Error("Failed to stop component", "err", err)
	}
}

func isAlreadyStopped(err error) bool {
	return errors.Is(err, service.ErrAlreadyStopped)
}
