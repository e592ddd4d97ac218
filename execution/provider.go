// Package execution runs the execution side of the bridge: an ABCI
// application behind a CometBFT ABCI client, its transaction pool and the
// handles consensus uses to read chain state and submit decided blocks.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/ahwlsqja/pbft-bridge/store"
	"github.com/ahwlsqja/pbft-bridge/types"
)

// Provider is a read-only view of the execution node's local state.
type Provider interface {
	// GenesisRecord returns the genesis the storage was initialised with,
	// or nil when the storage is fresh.
	GenesisRecord(ctx context.Context) (*GenesisRecord, error)
	// Head returns the last block applied to chain state.
	Head(ctx context.Context) (Head, error)
	// DB is the database consensus tables live in.
	DB() dbm.DB
}

// SubmissionHandle drives block production and import on the execution node.
type SubmissionHandle interface {
	// BuildPayload returns the transactions of the next block.
	BuildPayload(ctx context.Context, attrs PayloadAttributes) ([][]byte, error)
	// NewPayload hands a proposed block to execution for validation.
	NewPayload(ctx context.Context, block *types.Block) (PayloadStatus, error)
	// ForkchoiceUpdated makes a validated payload the canonical head.
	ForkchoiceUpdated(ctx context.Context, state ForkchoiceState) (Head, error)
}

// GenesisRecord is what the execution storage remembers about its genesis.
type GenesisRecord struct {
	ChainID        string    `json:"chain_id"`
	ValidatorsHash []byte    `json:"validators_hash,omitempty"`
	InitialHeight  uint64    `json:"initial_height"`
	AppHash        []byte    `json:"app_hash"`
	Time           time.Time `json:"time"`
}

// Head is the tip of the executed chain. Height 0 with an empty hash is the
// state right after genesis.
type Head struct {
	Height  uint64 `json:"height"`
	Hash    []byte `json:"hash"`
	AppHash []byte `json:"app_hash"`
}

// PayloadAttributes parameterise BuildPayload.
type PayloadAttributes struct {
	Height    uint64
	Timestamp time.Time
	Proposer  types.Address
	MaxBytes  int64
	MaxTxs    int
}

// PayloadStatus is the verdict of NewPayload.
type PayloadStatus int

const (
	PayloadValid PayloadStatus = iota
	PayloadInvalid
)

func (s PayloadStatus) String() string {
	switch s {
	case PayloadValid:
		return "VALID"
	case PayloadInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("PayloadStatus(%d)", int(s))
	}
}

// ForkchoiceState names the block to make canonical.
type ForkchoiceState struct {
	HeadHash []byte
}

// ================================================================================
//                          에러
// ================================================================================

var (
	ErrUnknownPayload = errors.New("unknown payload")
	ErrHeightMismatch = errors.New("height does not follow head")
	ErrTxRejected     = errors.New("transaction rejected")
	ErrNodeStopped    = errors.New("execution node stopped")
)

// ExecutionError is returned by submission handle operations.
type ExecutionError struct {
	Op     string
	Height uint64
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s at height %d: %v", e.Op, e.Height, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err carries an ExecutionError.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}

// ================================================================================
//                          메타 테이블
// ================================================================================

const TableMeta = "Meta"

// Tables is the schema the execution node keeps its own records in.
var Tables = store.Schema{
	Name:   "execution",
	Tables: []store.TableSpec{{Name: TableMeta, Version: 1}},
}

var (
	genesisKey = []byte("genesis")
	headKey    = []byte("head")
	// pendingKey names the block being committed; it is written before
	// FinalizeBlock and outlives the commit.
	pendingKey = []byte("pending")
)

func metaTable(db dbm.DB) store.Table {
	return store.NewTable(db, Tables, TableMeta)
}

func readGenesisRecord(meta store.Table) (*GenesisRecord, error) {
	var rec GenesisRecord
	ok, err := meta.GetJSON(genesisKey, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func readPending(meta store.Table) (*Head, error) {
	var head Head
	ok, err := meta.GetJSON(pendingKey, &head)
	if err != nil || !ok {
		return nil, err
	}
	return &head, nil
}

func readHead(meta store.Table) (Head, error) {
	var head Head
	_, err := meta.GetJSON(headKey, &head)
	return head, err
}

// WriteGenesisRecord initialises db as if an execution node had been
// launched on it with rec. The head is set to InitialHeight-1.
func WriteGenesisRecord(db dbm.DB, rec GenesisRecord) error {
	if err := store.CreateTablesFor(db, Tables); err != nil {
		return err
	}
	meta := metaTable(db)
	if err := writeJSON(meta, genesisKey, rec); err != nil {
		return err
	}
	var height uint64
	if rec.InitialHeight > 0 {
		height = rec.InitialHeight - 1
	}
	return writeJSON(meta, headKey, Head{Height: height, AppHash: rec.AppHash})
}
