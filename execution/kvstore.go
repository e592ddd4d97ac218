package execution

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	abci "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/crypto/tmhash"
	"github.com/cometbft/cometbft/libs/log"
)

// Response codes of KVStoreApp.
const (
	CodeTypeOK            uint32 = abci.CodeTypeOK
	CodeTypeEncodingError uint32 = 1
	CodeTypeUnknownOp     uint32 = 2
)

const AppVersion uint64 = 1

// Operation is the transaction format understood by KVStoreApp.
type Operation struct {
	Type  string `json:"type"` // "set" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// ParseOperation decodes and checks a transaction.
func ParseOperation(tx []byte) (Operation, uint32, error) {
	var op Operation
	if err := json.Unmarshal(tx, &op); err != nil {
		return op, CodeTypeEncodingError, fmt.Errorf("tx is not a JSON operation: %w", err)
	}
	if op.Key == "" {
		return op, CodeTypeEncodingError, fmt.Errorf("operation key is empty")
	}
	switch op.Type {
	case "set", "delete":
		return op, CodeTypeOK, nil
	default:
		return op, CodeTypeUnknownOp, fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// appState is the committed state summary of KVStoreApp.
type appState struct {
	Height  int64  `json:"height"`
	AppHash []byte `json:"app_hash"`
}

var (
	stateKey = []byte("state")
	kvPrefix = []byte("kv/")
)

// KVStoreApp is an ABCI 2.0 key/value application. Applied operations are
// staged by FinalizeBlock and written together with the new state at Commit.
type KVStoreApp struct {
	abci.BaseApplication

	mu     sync.Mutex
	db     dbm.DB
	logger log.Logger

	state appState

	// FinalizeBlock 이후 Commit 전까지 보류된 변경
	staged      []Operation
	stagedState *appState
}

var _ abci.Application = (*KVStoreApp)(nil)

// NewKVStoreApp loads the application state from db.
func NewKVStoreApp(db dbm.DB, logger log.Logger) (*KVStoreApp, error) {
	app := &KVStoreApp{db: db, logger: logger}
	bz, err := db.Get(stateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load app state: %w", err)
	}
	if bz != nil {
		if err := json.Unmarshal(bz, &app.state); err != nil {
			return nil, fmt.Errorf("failed to decode app state: %w", err)
		}
	}
	return app, nil
}

func kvKey(key string) []byte {
	return append(append([]byte{}, kvPrefix...), key...)
}

// Info returns the last committed height and app hash.
func (app *KVStoreApp) Info(context.Context, *abci.RequestInfo) (*abci.ResponseInfo, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	return &abci.ResponseInfo{
		Data:             "kvstore",
		Version:          "1.0.0",
		AppVersion:       AppVersion,
		LastBlockHeight:  app.state.Height,
		LastBlockAppHash: app.state.AppHash,
	}, nil
}

// InitChain seeds the app hash from the chain id.
func (app *KVStoreApp) InitChain(_ context.Context, req *abci.RequestInitChain) (*abci.ResponseInitChain, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.state = appState{
		Height:  req.InitialHeight - 1,
		AppHash: tmhash.Sum([]byte(req.ChainId)),
	}
	if err := app.saveStateLocked(nil); err != nil {
		return nil, err
	}
	app.logger.Info("Chain initialised", "chain_id", req.ChainId, "validators", len(req.Validators))
	return &abci.ResponseInitChain{AppHash: app.state.AppHash}, nil
}

// CheckTx admits well-formed operations.
func (app *KVStoreApp) CheckTx(_ context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error) {
	if _, code, err := ParseOperation(req.Tx); err != nil {
		return &abci.ResponseCheckTx{Code: code, Log: err.Error()}, nil
	}
	return &abci.ResponseCheckTx{Code: CodeTypeOK, GasWanted: 1}, nil
}

// PrepareProposal drops malformed transactions and keeps the rest in
// order within MaxTxBytes.
func (app *KVStoreApp) PrepareProposal(_ context.Context, req *abci.RequestPrepareProposal) (*abci.ResponsePrepareProposal, error) {
	txs := make([][]byte, 0, len(req.Txs))
	var total int64
	for _, tx := range req.Txs {
		if _, _, err := ParseOperation(tx); err != nil {
			continue
		}
		if req.MaxTxBytes > 0 && total+int64(len(tx)) > req.MaxTxBytes {
			break
		}
		total += int64(len(tx))
		txs = append(txs, tx)
	}
	return &abci.ResponsePrepareProposal{Txs: txs}, nil
}

// ProcessProposal rejects blocks at the wrong height or with malformed txs.
func (app *KVStoreApp) ProcessProposal(_ context.Context, req *abci.RequestProcessProposal) (*abci.ResponseProcessProposal, error) {
	app.mu.Lock()
	expected := app.state.Height + 1
	app.mu.Unlock()

	if req.Height != expected {
		app.logger.Debug("Rejecting proposal", "height", req.Height, "expected", expected)
		return &abci.ResponseProcessProposal{Status: abci.ResponseProcessProposal_REJECT}, nil
	}
	for _, tx := range req.Txs {
		if _, _, err := ParseOperation(tx); err != nil {
			app.logger.Debug("Rejecting proposal", "height", req.Height, "err", err)
			return &abci.ResponseProcessProposal{Status: abci.ResponseProcessProposal_REJECT}, nil
		}
	}
	return &abci.ResponseProcessProposal{Status: abci.ResponseProcessProposal_ACCEPT}, nil
}

// FinalizeBlock executes the block and stages its effects.
func (app *KVStoreApp) FinalizeBlock(_ context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if req.Height != app.state.Height+1 {
		return nil, fmt.Errorf("finalize height %d, expected %d", req.Height, app.state.Height+1)
	}

	// 앱 해시 = H(이전 해시 || 높이 || 적용된 tx...)
	hasher := tmhash.New()
	hasher.Write(app.state.AppHash)
	hasher.Write(binary.BigEndian.AppendUint64(nil, uint64(req.Height)))

	app.staged = app.staged[:0]
	results := make([]*abci.ExecTxResult, len(req.Txs))
	for i, tx := range req.Txs {
		op, code, err := ParseOperation(tx)
		if err != nil {
			results[i] = &abci.ExecTxResult{Code: code, Log: err.Error()}
			continue
		}
		app.staged = append(app.staged, op)
		hasher.Write(tx)
		results[i] = &abci.ExecTxResult{
			Code: CodeTypeOK,
			Events: []abci.Event{{
				Type: "kv",
				Attributes: []abci.EventAttribute{
					{Key: "op", Value: op.Type, Index: true},
					{Key: "key", Value: op.Key, Index: true},
				},
			}},
		}
	}

	app.stagedState = &appState{Height: req.Height, AppHash: hasher.Sum(nil)}
	return &abci.ResponseFinalizeBlock{
		TxResults: results,
		AppHash:   app.stagedState.AppHash,
	}, nil
}

// Commit persists the staged block.
func (app *KVStoreApp) Commit(context.Context, *abci.RequestCommit) (*abci.ResponseCommit, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.stagedState == nil {
		return nil, fmt.Errorf("commit without finalized block")
	}
	app.state = *app.stagedState
	if err := app.saveStateLocked(app.staged); err != nil {
		return nil, err
	}
	app.staged = app.staged[:0]
	app.stagedState = nil
	return &abci.ResponseCommit{}, nil
}

// Query looks up a key. The key is taken from Data, or from Path when
// Data is empty.
func (app *KVStoreApp) Query(_ context.Context, req *abci.RequestQuery) (*abci.ResponseQuery, error) {
	key := req.Data
	if len(key) == 0 {
		key = []byte(req.Path)
	}

	app.mu.Lock()
	height := app.state.Height
	app.mu.Unlock()

	value, err := app.db.Get(kvKey(string(key)))
	if err != nil {
		return nil, err
	}
	resp := &abci.ResponseQuery{Key: key, Value: value, Height: height}
	if value == nil {
		resp.Log = "does not exist"
	} else {
		resp.Log = "exists"
	}
	return resp, nil
}

func (app *KVStoreApp) saveStateLocked(ops []Operation) error {
	batch := app.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		var err error
		switch op.Type {
		case "set":
			err = batch.Set(kvKey(op.Key), []byte(op.Value))
		case "delete":
			err = batch.Delete(kvKey(op.Key))
		}
		if err != nil {
			return err
		}
	}
	bz, err := json.Marshal(app.state)
	if err != nil {
		return err
	}
	if err := batch.Set(stateKey, bz); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to persist app state at height %d: %w", app.state.Height, err)
	}
	return nil
}
