package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	abcicli "github.com/cometbft/cometbft/abci/client"
	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/libs/log"
	cmtos "github.com/cometbft/cometbft/libs/os"
	"github.com/cometbft/cometbft/libs/service"
	cmtcrypto "github.com/cometbft/cometbft/proto/tendermint/crypto"

	"github.com/ahwlsqja/pbft-bridge/store"
	"github.com/ahwlsqja/pbft-bridge/types"
)

// NodeConfig configures an execution node.
type NodeConfig struct {
	// Genesis the storage is initialised with when it is fresh.
	Genesis     types.Genesis
	GenesisTime time.Time

	// DBBackend is a cometbft-db backend name ("goleveldb", "memdb").
	DBBackend string
	DataDir   string
	// DB, when set, is used instead of opening DBBackend. The node does
	// not close it.
	DB dbm.DB

	// ABCIAddr selects a remote application over gRPC. Empty runs the
	// in-process KVStoreApp.
	ABCIAddr string

	Pool PoolConfig
}

// DefaultNodeConfig returns a config for an in-process goleveldb node.
func DefaultNodeConfig(genesis types.Genesis, dataDir string) NodeConfig {
	return NodeConfig{
		Genesis:   genesis,
		DBBackend: string(dbm.GoLevelDBBackend),
		DataDir:   dataDir,
		Pool:      DefaultPoolConfig(),
	}
}

// ================================================================================
//                          Builder
// ================================================================================

// LaunchContext is what launch hooks see: the opened database, before the
// node writes anything to it.
type LaunchContext struct {
	db     dbm.DB
	logger log.Logger
}

// DB returns the node database.
func (c *LaunchContext) DB() dbm.DB { return c.db }

// Logger returns the node logger.
func (c *LaunchContext) Logger() log.Logger { return c.logger }

// Hook runs during launch with mutable database access. A hook error
// aborts the launch.
type Hook func(*LaunchContext) error

// Builder assembles and launches an execution node.
type Builder struct {
	cfg    NodeConfig
	logger log.Logger
	hooks  []Hook
}

// NewBuilder returns a builder for cfg.
func NewBuilder(cfg NodeConfig, logger log.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// Apply registers a launch hook. Hooks run in registration order.
func (b *Builder) Apply(hook Hook) *Builder {
	b.hooks = append(b.hooks, hook)
	return b
}

// NodeHandle is a launched node together with its exit signal.
type NodeHandle struct {
	Node *Node
	// Exit receives one value when the node stops, then is closed.
	Exit <-chan error
}

// Launch opens storage, runs hooks, starts the ABCI client and the node.
func (b *Builder) Launch(ctx context.Context) (*NodeHandle, error) {
	logger := b.logger.With("module", "execution")

	db, ownsDB, err := openDB(b.cfg)
	if err != nil {
		return nil, err
	}
	closeDB := func() {
		if ownsDB {
			db.Close()
		}
	}

	lctx := &LaunchContext{db: db, logger: logger}
	for _, hook := range b.hooks {
		if err := hook(lctx); err != nil {
			closeDB()
			return nil, fmt.Errorf("launch hook failed: %w", err)
		}
	}

	if err := store.CreateTablesFor(db, Tables); err != nil {
		closeDB()
		return nil, fmt.Errorf("failed to create execution tables: %w", err)
	}

	client, err := newABCIClient(b.cfg, db, logger)
	if err != nil {
		closeDB()
		return nil, err
	}
	if err := client.Start(); err != nil {
		closeDB()
		return nil, fmt.Errorf("failed to start ABCI client: %w", err)
	}

	n := &Node{
		cfg:    b.cfg,
		db:     db,
		ownsDB: ownsDB,
		client: client,
		pool:   NewTxPool(b.cfg.Pool),
		meta:   metaTable(db),
		exitCh: make(chan error, 1),
	}
	n.BaseService = *service.NewBaseService(logger, "ExecutionNode", n)

	if err := n.initStorage(ctx); err != nil {
		client.Stop() //nolint:errcheck
		closeDB()
		return nil, err
	}
	if err := n.Start(); err != nil {
		client.Stop() //nolint:errcheck
		closeDB()
		return nil, fmt.Errorf("failed to start execution node: %w", err)
	}
	return &NodeHandle{Node: n, Exit: n.exitCh}, nil
}

func openDB(cfg NodeConfig) (dbm.DB, bool, error) {
	if cfg.DB != nil {
		return cfg.DB, false, nil
	}
	backend := dbm.BackendType(cfg.DBBackend)
	if backend == "" {
		backend = dbm.GoLevelDBBackend
	}
	if backend != dbm.MemDBBackend {
		if err := cmtos.EnsureDir(cfg.DataDir, 0o700); err != nil {
			return nil, false, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	db, err := dbm.NewDB("execution", backend, cfg.DataDir)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open execution db (%s): %w", backend, err)
	}
	return db, true, nil
}

func newABCIClient(cfg NodeConfig, db dbm.DB, logger log.Logger) (abcicli.Client, error) {
	var client abcicli.Client
	if cfg.ABCIAddr == "" {
		app, err := NewKVStoreApp(dbm.NewPrefixDB(db, []byte("app/")), logger.With("module", "kvstore"))
		if err != nil {
			return nil, err
		}
		client = abcicli.NewLocalClient(nil, app)
	} else {
		client = abcicli.NewGRPCClient(cfg.ABCIAddr, true)
	}
	client.SetLogger(logger.With("module", "abci-client"))
	return client, nil
}

// ================================================================================
//                          Node
// ================================================================================

// Node is a running execution node. It is the Provider consensus reads
// from and owns the EngineHandle blocks are submitted through.
type Node struct {
	service.BaseService

	cfg    NodeConfig
	db     dbm.DB
	ownsDB bool
	client abcicli.Client
	pool   *TxPool
	meta   store.Table
	handle *EngineHandle

	exitCh   chan error
	exitOnce sync.Once
}

var _ Provider = (*Node)(nil)

// initStorage runs InitChain and writes the genesis record on fresh
// storage. Existing storage is only checked against the application.
func (n *Node) initStorage(ctx context.Context) error {
	rec, err := readGenesisRecord(n.meta)
	if err != nil {
		return fmt.Errorf("failed to read genesis record: %w", err)
	}

	if rec == nil {
		rec, err = n.initChain(ctx)
		if err != nil {
			return err
		}
		n.Logger.Info("Initialised fresh execution storage", "chain_id", rec.ChainID)
	}

	head, err := readHead(n.meta)
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}

	info, err := n.client.Info(ctx, &abci.RequestInfo{})
	if err != nil {
		return fmt.Errorf("ABCI Info failed: %w", err)
	}
	if uint64(info.LastBlockHeight) != head.Height {
		head, err = n.recoverHead(info, head)
		if err != nil {
			return err
		}
	}

	n.handle = newEngineHandle(n.client, n.pool, n.meta, head, n.Logger)
	n.Logger.Info("Execution head", "height", head.Height, "app_hash", fmt.Sprintf("%X", head.AppHash))
	return nil
}

// recoverHead handles a crash between the application's Commit and the
// head write: the application is one block ahead and the pending record
// names that block.
func (n *Node) recoverHead(info *abci.ResponseInfo, head Head) (Head, error) {
	appHeight := uint64(info.LastBlockHeight)
	if info.LastBlockHeight < 0 || appHeight != head.Height+1 {
		return head, fmt.Errorf("application is at height %d but execution head is %d", info.LastBlockHeight, head.Height)
	}
	pending, err := readPending(n.meta)
	if err != nil {
		return head, fmt.Errorf("failed to read pending block: %w", err)
	}
	if pending == nil || pending.Height != appHeight {
		return head, fmt.Errorf("application is at height %d but execution head is %d and no pending block matches",
			appHeight, head.Height)
	}

	recovered := Head{Height: appHeight, Hash: pending.Hash, AppHash: info.LastBlockAppHash}
	if err := writeJSON(n.meta, headKey, recovered); err != nil {
		return head, fmt.Errorf("failed to write recovered head: %w", err)
	}
	n.Logger.Info("Recovered execution head from application", "height", appHeight,
		"hash", fmt.Sprintf("%X", pending.Hash))
	return recovered, nil
}

func (n *Node) initChain(ctx context.Context) (*GenesisRecord, error) {
	g := n.cfg.Genesis
	genesisTime := n.cfg.GenesisTime
	if genesisTime.IsZero() {
		genesisTime = time.Now().UTC()
	}

	updates := make([]abci.ValidatorUpdate, 0, len(g.Validators))
	for _, v := range g.Validators {
		updates = append(updates, abci.ValidatorUpdate{
			PubKey: cmtcrypto.PublicKey{Sum: &cmtcrypto.PublicKey_Ed25519{Ed25519: v.PubKey}},
			Power:  int64(v.VotingPower),
		})
	}

	resp, err := n.client.InitChain(ctx, &abci.RequestInitChain{
		Time:          genesisTime,
		ChainId:       g.ChainID,
		Validators:    updates,
		InitialHeight: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("InitChain failed: %w", err)
	}

	rec := GenesisRecord{
		ChainID:        g.ChainID,
		ValidatorsHash: g.ValidatorsHash(),
		InitialHeight:  1,
		AppHash:        resp.AppHash,
		Time:           genesisTime,
	}
	if err := writeJSON(n.meta, genesisKey, rec); err != nil {
		return nil, fmt.Errorf("failed to write genesis record: %w", err)
	}
	if err := writeJSON(n.meta, headKey, Head{AppHash: resp.AppHash}); err != nil {
		return nil, fmt.Errorf("failed to write head: %w", err)
	}
	return &rec, nil
}

// OnStart watches the ABCI client: if it dies, the node exits with its error.
func (n *Node) OnStart() error {
	go n.watchClient()
	return nil
}

// OnStop releases the client and the database.
func (n *Node) OnStop() {
	n.finish(nil)
	if err := n.client.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.Logger.Error("Failed to stop ABCI client", "err", err)
	}
	if n.ownsDB {
		if err := n.db.Close(); err != nil {
			n.Logger.Error("Failed to close execution db", "err", err)
		}
	}
}

func (n *Node) watchClient() {
	select {
	case <-n.Quit():
	case <-n.client.Quit():
		err := n.client.Error()
		if err == nil {
			err = errors.New("ABCI client stopped")
		}
		n.Logger.Error("ABCI client exited", "err", err)
		n.finish(fmt.Errorf("%w: %v", ErrNodeStopped, err))
	}
}

func (n *Node) finish(err error) {
	n.exitOnce.Do(func() {
		n.exitCh <- err
		close(n.exitCh)
	})
}

// GenesisRecord implements Provider.
func (n *Node) GenesisRecord(context.Context) (*GenesisRecord, error) {
	return readGenesisRecord(n.meta)
}

// Head implements Provider.
func (n *Node) Head(context.Context) (Head, error) {
	return n.handle.Head(), nil
}

// DB implements Provider.
func (n *Node) DB() dbm.DB {
	return n.db
}

// Handle returns the submission handle of the node.
func (n *Node) Handle() *EngineHandle {
	return n.handle
}

// Pool returns the transaction pool.
func (n *Node) Pool() *TxPool {
	return n.pool
}

// SubmitTx checks tx with the application and adds it to the pool.
func (n *Node) SubmitTx(ctx context.Context, tx []byte) error {
	if !n.IsRunning() {
		return ErrNodeStopped
	}
	resp, err := n.client.CheckTx(ctx, &abci.RequestCheckTx{Tx: tx, Type: abci.CheckTxType_New})
	if err != nil {
		return fmt.Errorf("CheckTx failed: %w", err)
	}
	if resp.Code != abci.CodeTypeOK {
		return fmt.Errorf("%w (code=%d): %s", ErrTxRejected, resp.Code, resp.Log)
	}
	return n.pool.Add(tx)
}

// Query reads a key from the application state.
func (n *Node) Query(ctx context.Context, key []byte) ([]byte, error) {
	resp, err := n.client.Query(ctx, &abci.RequestQuery{Data: key})
	if err != nil {
		return nil, err
	}
	if resp.Code != abci.CodeTypeOK {
		return nil, fmt.Errorf("query failed (code=%d): %s", resp.Code, resp.Log)
	}
	return resp.Value, nil
}
