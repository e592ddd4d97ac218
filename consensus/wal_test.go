package consensus

import (
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-bridge/types"
)

func TestWALRecordsAndPrunes(t *testing.T) {
	w, err := openWAL(t.TempDir(), dbm.MemDBBackend)
	require.NoError(t, err)
	defer w.Close()

	e, err := w.vote(1)
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, w.recordVote(1, 0, []byte("h1")))
	require.NoError(t, w.recordVote(2, 3, []byte("h2")))
	require.NoError(t, w.recordProposal(1, 0, []byte("h1")))
	require.NoError(t, w.recordProposal(2, 1, []byte("h2")))

	e, err = w.vote(2)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint64(3), e.Round)
	assert.Equal(t, []byte("h2"), e.BlockHash)

	p, err := w.proposal(2, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	p, err = w.proposal(2, 0)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, w.prune(2))

	e, err = w.vote(1)
	require.NoError(t, err)
	assert.Nil(t, e)
	p, err = w.proposal(1, 0)
	require.NoError(t, err)
	assert.Nil(t, p)

	e, err = w.vote(2)
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestWALSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := openWAL(dir, dbm.GoLevelDBBackend)
	require.NoError(t, err)
	require.NoError(t, w.recordVote(7, 2, []byte("locked")))
	require.NoError(t, w.Close())

	w, err = openWAL(dir, dbm.GoLevelDBBackend)
	require.NoError(t, err)
	defer w.Close()

	e, err := w.vote(7)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []byte("locked"), e.BlockHash)
}

func TestMessageRoundTrip(t *testing.T) {
	block := types.NewBlock("c", 1, 0, nil, types.Address{1}, time.Unix(1, 0), [][]byte{[]byte("tx")})

	bz, err := NewProposalMessage(2, block, []byte("sig")).Encode()
	require.NoError(t, err)
	msg, err := DecodeMessage(bz)
	require.NoError(t, err)
	assert.Equal(t, MsgProposal, msg.Type)
	assert.Equal(t, uint64(2), msg.Proposal.Round)
	assert.Equal(t, block.Hash, msg.Proposal.Block.Hash)
	assert.NoError(t, msg.Proposal.Block.VerifyHash())

	bz, err = NewVoteMessage(types.Vote{Height: 1, BlockHash: block.Hash, Validator: types.Address{1}}).Encode()
	require.NoError(t, err)
	msg, err = DecodeMessage(bz)
	require.NoError(t, err)
	assert.Equal(t, "VOTE", msg.Type.String())
	assert.Equal(t, types.Address{1}, msg.Vote.Validator)
}

func TestDecodeMessageRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"garbage":       "{",
		"unknown type":  `{"type":9}`,
		"empty propose": `{"type":0}`,
		"empty vote":    `{"type":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEngineConfigValidate(t *testing.T) {
	ok := NewEngineConfig("app", "node", "127.0.0.1:26656")
	require.NoError(t, ok.Validate())

	cases := map[string]struct {
		mutate func(*EngineConfig)
		want   error
	}{
		"no app id":     {func(c *EngineConfig) { c.AppID = "" }, ErrEmptyAppID},
		"no node id":    {func(c *EngineConfig) { c.NodeID = "" }, ErrEmptyNodeID},
		"no port":       {func(c *EngineConfig) { c.ListenAddr = "127.0.0.1" }, ErrInvalidListenAddr},
		"bad port":      {func(c *EngineConfig) { c.ListenAddr = "127.0.0.1:http2x" }, ErrInvalidListenAddr},
		"bad peer":      {func(c *EngineConfig) { c.Peers = []string{"@127.0.0.1:1"} }, ErrInvalidPeer},
		"short timeout": {func(c *EngineConfig) { c.RoundTimeout = c.BlockInterval }, ErrInvalidTimeout},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := ok
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}

	p, err := ParsePeer("val-1@10.0.0.1:26656")
	require.NoError(t, err)
	assert.Equal(t, Peer{ID: "val-1", Addr: "10.0.0.1:26656"}, p)

	p, err = ParsePeer("10.0.0.2:26656")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:26656", p.ID)
}
