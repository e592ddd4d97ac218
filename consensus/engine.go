package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	"github.com/cometbft/cometbft/libs/log"
	cmtos "github.com/cometbft/cometbft/libs/os"
	"github.com/cometbft/cometbft/libs/service"

	"github.com/ahwlsqja/pbft-bridge/crypto"
	"github.com/ahwlsqja/pbft-bridge/metrics"
	"github.com/ahwlsqja/pbft-bridge/transport"
	"github.com/ahwlsqja/pbft-bridge/types"
)

/*
================================================================================
                          합의 라운드 흐름
================================================================================

  Proposer(h,r)            Validators                   Application
      │  BlockInterval 대기     │                              │
      │  ProposeBlock ─────────────────────────────────────────►│
      │  PROPOSAL(r, block) ───►│                              │
      │                         │  ValidateBlock ─────────────►│
      │                         │  (높이당 한 번만 투표, WAL 기록) │
      │◄──── VOTE ──────────────│                              │
      │                         │                              │
      │  2/3+ 투표 + 검증된 블록 → CommitBlock ────────────────────►│
      │  → 다음 높이, 라운드 0                                     │
      │                                                          │
      │  RoundTimeout 내 커밋 없음 → 다음 라운드 (잠긴 블록 재제안)     │

================================================================================
*/

const (
	msgQueueSize = 1000
	nodeKeyFile  = "node_key.json"
)

// Option configures StartConsensusEngine.
type Option func(*options)

type options struct {
	logger     log.Logger
	metrics    *metrics.Metrics
	signer     crypto.Signer
	walBackend dbm.BackendType
	txSink     TxSink
	reactor    ReactorConfig
}

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics the engine records to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSigner signs with signer instead of the node key in the home dir.
func WithSigner(signer crypto.Signer) Option {
	return func(o *options) { o.signer = signer }
}

// WithWALBackend selects the cometbft-db backend of the WAL.
func WithWALBackend(backend dbm.BackendType) Option {
	return func(o *options) { o.walBackend = backend }
}

// WithTxSink delivers transactions gossiped by peers to sink. Without a
// sink, received transactions are dropped.
func WithTxSink(sink TxSink) Option {
	return func(o *options) { o.txSink = sink }
}

// WithReactorConfig overrides the tx gossip settings.
func WithReactorConfig(cfg ReactorConfig) Option {
	return func(o *options) { o.reactor = cfg }
}

// Handle owns a running engine.
type Handle struct {
	// App receives exactly one value when the engine stops: nil after
	// Stop, the halting error otherwise. It is then closed.
	App <-chan error

	engine *Engine
}

// Stop stops the engine. It is safe to call more than once.
func (h *Handle) Stop() error {
	if err := h.engine.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		return err
	}
	return nil
}

// Err returns the error that halted the engine, if any.
func (h *Handle) Err() error {
	return h.engine.haltErr()
}

// Height returns the height and round the engine is working on.
func (h *Handle) Height() (uint64, uint64) {
	return h.engine.position()
}

// BroadcastTx gossips tx to the peers. It does not add tx locally.
func (h *Handle) BroadcastTx(tx []byte) error {
	if !h.engine.IsRunning() {
		return service.ErrNotStarted
	}
	return h.engine.txs.queue(tx)
}

// ListenAddr returns the bound gossip address.
func (h *Handle) ListenAddr() string {
	return h.engine.transport.Addr().String()
}

// StartConsensusEngine starts the engine driving app. Startup runs in a
// fixed order and stops at the first failing stage with a StartupError:
// the listen address is validated before anything is created or bound.
func StartConsensusEngine(ctx context.Context, app Application, cfg EngineConfig, homeDir string, opts ...Option) (*Handle, error) {
	o := options{
		logger:     log.NewNopLogger(),
		walBackend: dbm.GoLevelDBBackend,
		reactor:    DefaultReactorConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NopMetrics()
	}
	logger := o.logger.With("module", "consensus")

	if app == nil {
		return nil, startupError(StageConfig, errors.New("application is nil"))
	}
	if o.reactor.BroadcastDelay <= 0 || o.reactor.MaxBroadcastBatch <= 0 || o.reactor.MaxPendingTxs <= 0 {
		return nil, startupError(StageConfig, errors.New("invalid tx reactor config"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, startupError(StageConfig, err)
	}

	if err := ensureWritableDir(homeDir); err != nil {
		return nil, startupError(StageHome, err)
	}

	w, err := openWAL(homeDir, o.walBackend)
	if err != nil {
		return nil, startupError(StageWAL, err)
	}

	signer := o.signer
	if signer == nil {
		signer, err = crypto.LoadOrGenNodeKey(filepath.Join(homeDir, nodeKeyFile))
		if err != nil {
			w.Close()
			return nil, startupError(StageNodeKey, err)
		}
	}

	info, err := app.Info(ctx)
	if err != nil {
		w.Close()
		return nil, startupError(StageAppInfo, err)
	}
	if info.Validators == nil || info.Validators.Size() == 0 {
		w.Close()
		return nil, startupError(StageAppInfo, errors.New("application reported no validators"))
	}

	self, err := resolveIdentity(info, signer, logger)
	if err != nil {
		w.Close()
		return nil, startupError(StageIdentity, err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		w.Close()
		return nil, startupError(StageListen, err)
	}

	e := newEngine(cfg, app, info, self, signer, w, o.metrics, logger)
	e.txs = newTxReactor(o.reactor, o.txSink, e.broadcast, logger.With("reactor", "tx"))
	e.transport = transport.NewGRPCTransport(cfg.NodeID, e.receive, o.logger)
	e.transport.Serve(ln)

	for _, p := range cfg.Peers {
		peer, err := ParsePeer(p)
		if err == nil {
			err = e.transport.AddPeer(peer.ID, peer.Addr)
		}
		if err != nil {
			e.transport.Stop()
			w.Close()
			return nil, startupError(StagePeers, err)
		}
	}

	// 루프 시작 후 height는 루프 고루틴 소유
	startHeight := e.height
	if err := e.Start(); err != nil {
		e.transport.Stop()
		w.Close()
		return nil, startupError(StageStart, err)
	}

	logger.Info("Consensus engine started",
		"app_id", cfg.AppID,
		"node_id", cfg.NodeID,
		"listen", e.transport.Addr().String(),
		"height", startHeight,
		"validator", self != nil)
	return &Handle{App: e.done, engine: e}, nil
}

func ensureWritableDir(dir string) error {
	if dir == "" {
		return errors.New("home dir is empty")
	}
	if err := cmtos.EnsureDir(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("home dir %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// resolveIdentity returns the local validator, or nil for an observer.
func resolveIdentity(info AppInfo, signer crypto.Signer, logger log.Logger) (*types.ValidatorInfo, error) {
	if info.Address.IsZero() {
		logger.Info("No validator address; following as observer")
		return nil, nil
	}
	v := info.Validators.ByAddress(info.Address)
	if v == nil {
		logger.Info("Address is not in the validator set; following as observer", "address", info.Address)
		return nil, nil
	}
	if !bytes.Equal(v.PubKey, signer.PubKey()) {
		return nil, fmt.Errorf("node key %s does not belong to validator %s", signer.Address(), info.Address)
	}
	return v, nil
}

// ================================================================================
//                          Engine
// ================================================================================

// Engine runs heights and rounds on a single goroutine.
type Engine struct {
	service.BaseService

	cfg        EngineConfig
	app        Application
	signer     crypto.Signer
	self       *types.ValidatorInfo
	chainID    string
	validators *types.ValidatorSet

	transport *transport.GRPCTransport
	wal       *wal
	metrics   *metrics.Metrics
	txs       *txReactor

	msgCh    chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan error
	loopDone chan struct{}

	mu     sync.RWMutex
	height uint64
	round  uint64
	err    error

	// 높이별 상태 (루프 고루틴 전용)
	blocks         map[string]*types.Block
	proposals      map[string]*ProposalMsg
	votes          map[string]map[types.Address]types.Vote
	lockedHash     []byte
	lockedBlock    *types.Block
	lockedProposal *ProposalMsg
	ownVote        *types.Vote
	lastProposal   *ProposalMsg
	lastCert       *types.CommitCertificate

	proposeTimer *time.Timer
	roundTimer   *time.Timer
}

func newEngine(
	cfg EngineConfig,
	app Application,
	info AppInfo,
	self *types.ValidatorInfo,
	signer crypto.Signer,
	w *wal,
	m *metrics.Metrics,
	logger log.Logger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		app:          app,
		signer:       signer,
		self:         self,
		chainID:      info.ChainID,
		validators:   info.Validators,
		wal:          w,
		metrics:      m,
		msgCh:        make(chan []byte, msgQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan error, 1),
		loopDone:     make(chan struct{}),
		height:       info.Height + 1,
		proposeTimer: newStoppedTimer(),
		roundTimer:   newStoppedTimer(),
	}
	e.BaseService = *service.NewBaseService(logger, "ConsensusEngine", e)
	return e
}

// OnStart starts the round loop and tx gossip.
func (e *Engine) OnStart() error {
	go e.txs.run(e.ctx)
	go e.loop()
	return nil
}

// OnStop cancels the loop and waits for it to release its resources.
func (e *Engine) OnStop() {
	e.cancel()
	<-e.loopDone
}

func (e *Engine) loop() {
	err := e.run()
	if err != nil {
		e.Logger.Error("Consensus halted", "height", e.height, "err", err)
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
	}

	e.proposeTimer.Stop()
	e.roundTimer.Stop()
	e.transport.Stop()
	if cerr := e.wal.Close(); cerr != nil {
		e.Logger.Error("Failed to close WAL", "err", cerr)
	}

	e.done <- err
	close(e.done)
	close(e.loopDone)
}

func (e *Engine) run() error {
	if err := e.enterHeight(e.height); err != nil {
		return err
	}
	for {
		var err error
		select {
		case <-e.ctx.Done():
			return nil
		case bz := <-e.msgCh:
			err = e.handleRaw(bz)
		case <-e.proposeTimer.C:
			err = e.propose()
		case <-e.roundTimer.C:
			e.onRoundTimeout()
		}
		if err != nil {
			if e.ctx.Err() != nil {
				// 정지 중 취소된 호출
				return nil
			}
			return err
		}
	}
}

func (e *Engine) haltErr() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *Engine) position() (uint64, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.height, e.round
}

// receive is the transport handler. It never blocks the gRPC server.
func (e *Engine) receive(payload []byte) {
	select {
	case e.msgCh <- payload:
	default:
		e.Logger.Debug("Message queue full; dropping message")
	}
}

func (e *Engine) enterHeight(height uint64) error {
	e.mu.Lock()
	e.height = height
	e.mu.Unlock()

	e.blocks = make(map[string]*types.Block)
	e.proposals = make(map[string]*ProposalMsg)
	e.votes = make(map[string]map[types.Address]types.Vote)
	e.lockedHash, e.lockedBlock = nil, nil
	e.lockedProposal, e.ownVote = nil, nil

	entry, err := e.wal.vote(height)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}
	if entry != nil {
		e.lockedHash = entry.BlockHash
		e.Logger.Info("Restored vote from WAL", "height", height, "hash", cmtbytes.HexBytes(entry.BlockHash))
	}

	e.metrics.StartHeight(height)
	e.enterRound(0)
	return nil
}

func (e *Engine) enterRound(round uint64) {
	e.mu.Lock()
	e.round = round
	e.mu.Unlock()
	e.metrics.SetRound(round)

	resetTimer(e.roundTimer, e.cfg.RoundTimeout)
	if e.isProposer(e.height, round) {
		resetTimer(e.proposeTimer, e.cfg.BlockInterval)
	} else {
		stopTimer(e.proposeTimer)
	}
}

// onRoundTimeout moves to the next round and re-gossips this node's lock,
// so peers that missed the proposal can still vote for it. The decided
// proposal and votes of the previous height go out too for peers still
// waiting on them.
func (e *Engine) onRoundTimeout() {
	e.Logger.Debug("Round timed out", "height", e.height, "round", e.round)
	e.enterRound(e.round + 1)
	if e.lastProposal != nil {
		e.broadcast(&Message{Type: MsgProposal, Proposal: e.lastProposal})
	}
	if e.lastCert != nil {
		for _, v := range e.lastCert.Votes {
			e.broadcast(NewVoteMessage(v))
		}
	}
	if e.lockedProposal != nil {
		e.broadcast(&Message{Type: MsgProposal, Proposal: e.lockedProposal})
	}
	if e.ownVote != nil {
		e.broadcast(NewVoteMessage(*e.ownVote))
	}
}

func (e *Engine) isProposer(height, round uint64) bool {
	if e.self == nil {
		return false
	}
	p := e.validators.Proposer(height, round)
	return p != nil && p.Address == e.self.Address
}

// ================================================================================
//                          제안
// ================================================================================

func (e *Engine) propose() error {
	h, r := e.height, e.round

	prev, err := e.wal.proposal(h, r)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}
	if prev != nil {
		e.Logger.Info("Already proposed in this round", "height", h, "round", r)
		return nil
	}

	block := e.lockedBlock
	if block == nil {
		if e.lockedHash != nil {
			// 이전 실행에서 투표했지만 블록을 모름: 다른 블록 제안 불가
			e.Logger.Info("Locked on unknown block; not proposing", "height", h, "round", r)
			return nil
		}
		block, err = e.app.ProposeBlock(e.ctx, h, r)
		if err != nil {
			e.Logger.Error("Failed to build proposal", "height", h, "round", r, "err", err)
			return nil
		}
	}

	sig, err := e.signer.Sign(types.ProposalSignBytes(e.chainID, h, r, block.Hash))
	if err != nil {
		return fmt.Errorf("failed to sign proposal: %w", err)
	}
	if err := e.wal.recordProposal(h, r, block.Hash); err != nil {
		return err
	}

	msg := NewProposalMessage(r, block, sig)
	e.broadcast(msg)
	e.Logger.Info("Proposed block", "height", h, "round", r, "hash", block.HashString(), "txs", len(block.Txs))
	return e.handleProposal(msg.Proposal)
}

// ================================================================================
//                          메시지 처리
// ================================================================================

func (e *Engine) handleRaw(bz []byte) error {
	msg, err := DecodeMessage(bz)
	if err != nil {
		e.Logger.Debug("Dropping undecodable message", "err", err)
		return nil
	}
	e.metrics.IncrementMessagesReceived(msg.Type.String())

	switch msg.Type {
	case MsgProposal:
		return e.handleProposal(msg.Proposal)
	case MsgVote:
		return e.handleVote(*msg.Vote)
	case MsgTx:
		e.txs.receive(msg.Txs)
	}
	return nil
}

func (e *Engine) handleProposal(p *ProposalMsg) error {
	block := p.Block
	h := block.Header.Height
	if h != e.height {
		e.Logger.Debug("Proposal for other height", "height", h, "current", e.height)
		return nil
	}

	proposer := e.validators.Proposer(h, p.Round)
	signBytes := types.ProposalSignBytes(e.chainID, h, p.Round, block.Hash)
	if proposer == nil || !crypto.Verify(proposer.PubKey, signBytes, p.Signature) {
		e.Logger.Info("Dropping proposal with bad signature", "height", h, "round", p.Round)
		return nil
	}
	if p.Round > e.round {
		e.enterRound(p.Round)
	}

	hash := string(block.Hash)
	if _, known := e.blocks[hash]; !known {
		if err := e.app.ValidateBlock(e.ctx, block); err != nil {
			e.Logger.Info("Rejected proposal", "height", h, "round", p.Round, "hash", block.HashString(), "err", err)
			return nil
		}
		e.blocks[hash] = block
	}
	if _, known := e.proposals[hash]; !known {
		e.proposals[hash] = p
	}

	if err := e.maybeVote(p); err != nil {
		return err
	}
	return e.tryCommit()
}

// maybeVote votes for the proposed block unless this node already voted
// at this height or is locked on another block.
func (e *Engine) maybeVote(p *ProposalMsg) error {
	block := p.Block
	if e.self == nil || e.ownVote != nil {
		return nil
	}
	if e.lockedHash != nil && !bytes.Equal(e.lockedHash, block.Hash) {
		return nil
	}

	vote := types.Vote{
		Height:    block.Header.Height,
		Round:     block.Header.Round,
		BlockHash: block.Hash,
		Validator: e.self.Address,
	}
	sig, err := e.signer.Sign(types.VoteSignBytes(e.chainID, vote.Height, vote.Round, vote.BlockHash))
	if err != nil {
		return fmt.Errorf("failed to sign vote: %w", err)
	}
	vote.Signature = sig

	if err := e.wal.recordVote(vote.Height, vote.Round, vote.BlockHash); err != nil {
		return err
	}
	e.lockedHash, e.lockedBlock = block.Hash, block
	e.lockedProposal, e.ownVote = p, &vote

	e.addVote(vote)
	e.broadcast(NewVoteMessage(vote))
	return nil
}

func (e *Engine) handleVote(v types.Vote) error {
	if v.Height != e.height {
		return nil
	}
	val := e.validators.ByAddress(v.Validator)
	if val == nil {
		e.Logger.Debug("Vote from unknown validator", "validator", v.Validator)
		return nil
	}
	if !crypto.Verify(val.PubKey, types.VoteSignBytes(e.chainID, v.Height, v.Round, v.BlockHash), v.Signature) {
		e.Logger.Info("Dropping vote with bad signature", "validator", v.Validator)
		return nil
	}
	e.addVote(v)
	return e.tryCommit()
}

func (e *Engine) addVote(v types.Vote) {
	hash := string(v.BlockHash)
	byVal, ok := e.votes[hash]
	if !ok {
		byVal = make(map[types.Address]types.Vote)
		e.votes[hash] = byVal
	}
	if _, dup := byVal[v.Validator]; !dup {
		byVal[v.Validator] = v
	}
}

// ================================================================================
//                          커밋
// ================================================================================

func (e *Engine) tryCommit() error {
	quorum := e.validators.QuorumPower()
	for hash, byVal := range e.votes {
		block, ok := e.blocks[hash]
		if !ok {
			continue
		}
		cert := &types.CommitCertificate{
			Height:    block.Header.Height,
			Round:     block.Header.Round,
			BlockHash: block.Hash,
			Votes:     make([]types.Vote, 0, len(byVal)),
		}
		for _, v := range byVal {
			cert.Votes = append(cert.Votes, v)
		}
		if cert.SignedPower(e.validators) >= quorum {
			return e.commit(block, cert)
		}
	}
	return nil
}

func (e *Engine) commit(block *types.Block, cert *types.CommitCertificate) error {
	h := block.Header.Height
	if err := e.app.CommitBlock(e.ctx, block, cert); err != nil {
		return fmt.Errorf("commit at height %d: %w", h, err)
	}
	e.metrics.EndHeight(h)
	e.Logger.Info("Committed", "height", h, "round", e.round, "hash", block.HashString(), "votes", len(cert.Votes))

	e.lastProposal, e.lastCert = e.proposals[string(block.Hash)], cert
	if err := e.wal.prune(h); err != nil {
		e.Logger.Error("Failed to prune WAL", "err", err)
	}
	return e.enterHeight(h + 1)
}

func (e *Engine) broadcast(msg *Message) {
	bz, err := msg.Encode()
	if err != nil {
		e.Logger.Error("Failed to encode message", "type", msg.Type, "err", err)
		return
	}
	e.metrics.IncrementMessagesSent(msg.Type.String())
	go func() {
		if err := e.transport.Broadcast(e.ctx, bz); err != nil {
			e.Logger.Debug("Broadcast incomplete", "type", msg.Type, "err", err)
		}
	}()
}

// ================================================================================
//                          타이머
// ================================================================================

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
