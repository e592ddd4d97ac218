package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-bridge/types"
)

func testGenesis() types.Genesis {
	return types.NewGenesis("exec-test").WithValidators([]types.ValidatorInfo{
		types.NewValidatorInfo(types.Address{1}, 10, make([]byte, types.PubKeySize)),
	})
}

func launchTestNode(t *testing.T, db dbm.DB) *NodeHandle {
	t.Helper()
	cfg := NodeConfig{Genesis: testGenesis(), DB: db, Pool: DefaultPoolConfig()}
	handle, err := NewBuilder(cfg, log.TestingLogger()).Launch(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Node.Stop() })
	return handle
}

func nextBlock(t *testing.T, n *Node, txs [][]byte) *types.Block {
	t.Helper()
	head, err := n.Head(context.Background())
	require.NoError(t, err)
	return types.NewBlock("exec-test", head.Height+1, 0, head.Hash, types.Address{1}, time.Now(), txs)
}

func TestLaunchFreshStorage(t *testing.T) {
	db := dbm.NewMemDB()
	var hookRan bool

	cfg := NodeConfig{Genesis: testGenesis(), DB: db}
	handle, err := NewBuilder(cfg, log.NewNopLogger()).
		Apply(func(lctx *LaunchContext) error {
			hookRan = true
			assert.Same(t, db, lctx.DB())
			return nil
		}).
		Launch(context.Background())
	require.NoError(t, err)
	defer handle.Node.Stop() //nolint:errcheck

	assert.True(t, hookRan)

	rec, err := handle.Node.GenesisRecord(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "exec-test", rec.ChainID)
	assert.Equal(t, testGenesis().ValidatorsHash(), rec.ValidatorsHash)

	head, err := handle.Node.Head(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head.Height)
	assert.NotEmpty(t, head.AppHash)
	assert.Same(t, db, handle.Node.DB())
}

func TestLaunchHookFailure(t *testing.T) {
	cfg := NodeConfig{Genesis: testGenesis(), DB: dbm.NewMemDB()}
	boom := errors.New("boom")
	_, err := NewBuilder(cfg, log.NewNopLogger()).
		Apply(func(*LaunchContext) error { return boom }).
		Launch(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestLaunchKeepsExistingGenesisRecord(t *testing.T) {
	db := dbm.NewMemDB()
	require.NoError(t, WriteGenesisRecord(db, GenesisRecord{ChainID: "other", InitialHeight: 1}))

	handle := launchTestNode(t, db)
	rec, err := handle.Node.GenesisRecord(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "other", rec.ChainID)
}

func TestSubmitAndCommit(t *testing.T) {
	ctx := context.Background()
	handle := launchTestNode(t, dbm.NewMemDB())
	n := handle.Node

	tx := []byte(`{"type":"set","key":"k","value":"v"}`)
	require.NoError(t, n.SubmitTx(ctx, tx))
	assert.ErrorIs(t, n.SubmitTx(ctx, []byte("not json")), ErrTxRejected)
	assert.ErrorIs(t, n.SubmitTx(ctx, tx), ErrTxAlreadyExists)

	txs, err := n.Handle().BuildPayload(ctx, PayloadAttributes{Height: 1, Timestamp: time.Now(), MaxTxs: 10})
	require.NoError(t, err)
	require.Equal(t, [][]byte{tx}, txs)

	block := nextBlock(t, n, txs)
	status, err := n.Handle().NewPayload(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, PayloadValid, status)

	head, err := n.Handle().ForkchoiceUpdated(ctx, ForkchoiceState{HeadHash: block.Hash})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Height)
	assert.Equal(t, block.Hash, head.Hash)
	assert.Zero(t, n.Pool().Size())

	value, err := n.Query(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(value))
}

func TestNewPayloadRejectsMalformedTx(t *testing.T) {
	ctx := context.Background()
	n := launchTestNode(t, dbm.NewMemDB()).Node

	block := nextBlock(t, n, [][]byte{[]byte("garbage")})
	status, err := n.Handle().NewPayload(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, PayloadInvalid, status)

	_, err = n.Handle().ForkchoiceUpdated(ctx, ForkchoiceState{HeadHash: block.Hash})
	assert.True(t, IsExecutionError(err))
	assert.ErrorIs(t, err, ErrUnknownPayload)
}

func TestNewPayloadWrongHeight(t *testing.T) {
	n := launchTestNode(t, dbm.NewMemDB()).Node

	block := types.NewBlock("exec-test", 5, 0, nil, types.Address{1}, time.Now(), nil)
	_, err := n.Handle().NewPayload(context.Background(), block)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, uint64(5), execErr.Height)
	assert.ErrorIs(t, err, ErrHeightMismatch)
}

func TestExitSignalledOnce(t *testing.T) {
	handle := launchTestNode(t, dbm.NewMemDB())
	require.NoError(t, handle.Node.Stop())

	select {
	case err, ok := <-handle.Exit:
		assert.True(t, ok)
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exit not signalled")
	}
	_, ok := <-handle.Exit
	assert.False(t, ok)
}

func TestRelaunchResumesHead(t *testing.T) {
	ctx := context.Background()
	db := dbm.NewMemDB()

	first := launchTestNode(t, db).Node
	block := nextBlock(t, first, nil)
	_, err := first.Handle().NewPayload(ctx, block)
	require.NoError(t, err)
	_, err = first.Handle().ForkchoiceUpdated(ctx, ForkchoiceState{HeadHash: block.Hash})
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second := launchTestNode(t, db).Node
	head, err := second.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Height)
	assert.Equal(t, block.Hash, head.Hash)
}

func TestRelaunchRecoversHeadAfterCrashBeforeHeadWrite(t *testing.T) {
	ctx := context.Background()
	db := dbm.NewMemDB()

	first := launchTestNode(t, db).Node
	block := nextBlock(t, first, [][]byte{[]byte(`{"type":"set","key":"k","value":"v"}`)})
	_, err := first.Handle().NewPayload(ctx, block)
	require.NoError(t, err)
	committed, err := first.Handle().ForkchoiceUpdated(ctx, ForkchoiceState{HeadHash: block.Hash})
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	// 앱은 높이 1을 커밋했지만 head 기록은 0에 머문 상태
	genesisHead := Head{AppHash: []byte("stale")}
	require.NoError(t, writeJSON(metaTable(db), headKey, genesisHead))

	second := launchTestNode(t, db).Node
	head, err := second.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Height)
	assert.Equal(t, block.Hash, head.Hash)
	assert.Equal(t, committed.AppHash, head.AppHash)

	persisted, err := readHead(metaTable(db))
	require.NoError(t, err)
	assert.Equal(t, head, persisted)

	value, err := second.Query(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(value))
}

func TestRelaunchRejectsUnexplainedHeightGap(t *testing.T) {
	ctx := context.Background()
	db := dbm.NewMemDB()

	first := launchTestNode(t, db).Node
	block := nextBlock(t, first, nil)
	_, err := first.Handle().NewPayload(ctx, block)
	require.NoError(t, err)
	_, err = first.Handle().ForkchoiceUpdated(ctx, ForkchoiceState{HeadHash: block.Hash})
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	require.NoError(t, writeJSON(metaTable(db), headKey, Head{}))
	require.NoError(t, writeJSON(metaTable(db), pendingKey, Head{Height: 7}))

	cfg := NodeConfig{Genesis: testGenesis(), DB: db, Pool: DefaultPoolConfig()}
	_, err = NewBuilder(cfg, log.NewNopLogger()).Launch(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending block matches")
}
