package types

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devValidator() ValidatorInfo {
	var addr Address
	addr[0] = 1
	return NewValidatorInfo(addr, 1000, make([]byte, 32))
}

func TestAddress(t *testing.T) {
	var zero Address
	assert.True(t, zero.IsZero())

	a := devValidator().Address
	assert.False(t, a.IsZero())
	assert.Equal(t, "0100000000000000000000000000000000000000", a.String())

	parsed, err := AddressFromHex("0x" + a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = AddressFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)

	bz, err := json.Marshal(a)
	require.NoError(t, err)
	var decoded Address
	require.NoError(t, json.Unmarshal(bz, &decoded))
	assert.Equal(t, a, decoded)
}

func TestAddressFromPubKey(t *testing.T) {
	pk := ed25519.GenPrivKey().PubKey()
	addr, err := AddressFromPubKey(pk.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte(pk.Address()), addr.Bytes())

	_, err = AddressFromPubKey([]byte{1})
	assert.Error(t, err)
}

func TestGenesisValidate(t *testing.T) {
	valid := NewGenesis("1").WithValidators([]ValidatorInfo{devValidator()})
	require.NoError(t, valid.Validate())
	assert.Equal(t, uint64(1000), valid.TotalVotingPower())

	tests := []struct {
		name    string
		genesis Genesis
	}{
		{"empty chain id", NewGenesis("").WithValidators([]ValidatorInfo{devValidator()})},
		{"no validators", NewGenesis("1")},
		{"duplicate address", NewGenesis("1").WithValidators([]ValidatorInfo{devValidator(), devValidator()})},
		{"zero power", NewGenesis("1").WithValidators([]ValidatorInfo{NewValidatorInfo(devValidator().Address, 0, make([]byte, 32))})},
		{"power overflow", NewGenesis("1").WithValidators([]ValidatorInfo{
			NewValidatorInfo(Address{1}, MaxTotalVotingPower, make([]byte, 32)),
			NewValidatorInfo(Address{2}, 1, make([]byte, 32)),
		})},
		{"short key", NewGenesis("1").WithValidators([]ValidatorInfo{NewValidatorInfo(devValidator().Address, 1, []byte{1})})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.genesis.Validate(), ErrInvalidGenesis)
		})
	}
}

func TestGenesisImmutableCopy(t *testing.T) {
	vs := []ValidatorInfo{devValidator()}
	g := NewGenesis("1").WithValidators(vs)

	vs[0].VotingPower = 1
	vs[0].PubKey[0] = 0xff
	assert.Equal(t, uint64(1000), g.Validators[0].VotingPower)
	assert.Equal(t, byte(0), g.Validators[0].PubKey[0])
}

func TestValidatorsHash(t *testing.T) {
	g1 := NewGenesis("1").WithValidators([]ValidatorInfo{devValidator()})
	g2 := g1.Copy()
	assert.Equal(t, g1.ValidatorsHash(), g2.ValidatorsHash())

	g2.Validators[0].VotingPower = 999
	assert.NotEqual(t, g1.ValidatorsHash(), g2.ValidatorsHash())
}

func TestGenesisDocRoundTrip(t *testing.T) {
	priv := ed25519.GenPrivKey()
	addr, err := AddressFromPubKey(priv.PubKey().Bytes())
	require.NoError(t, err)
	g := NewGenesis("bridge-test").WithValidators([]ValidatorInfo{
		NewValidatorInfo(addr, 10, priv.PubKey().Bytes()),
	})

	path := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, g.ToDoc(time.Now()).SaveAs(path))

	loaded, err := LoadGenesisFile(path)
	require.NoError(t, err)
	assert.Equal(t, g.ChainID, loaded.ChainID)
	assert.Equal(t, g.ValidatorsHash(), loaded.ValidatorsHash())
}

func TestBlockHash(t *testing.T) {
	proposer := devValidator().Address
	txs := [][]byte{[]byte("a"), []byte("b")}
	block := NewBlock("1", 1, 0, nil, proposer, time.Now(), txs)
	require.NoError(t, block.VerifyHash())

	// JSON round trip must preserve the hash
	bz, err := json.Marshal(block)
	require.NoError(t, err)
	var decoded Block
	require.NoError(t, json.Unmarshal(bz, &decoded))
	require.NoError(t, decoded.VerifyHash())

	decoded.Txs = append(decoded.Txs, []byte("c"))
	assert.Error(t, decoded.VerifyHash())
}

func TestValidatorSet(t *testing.T) {
	a, b, c := Address{1}, Address{2}, Address{3}
	vs := NewValidatorSet([]ValidatorInfo{
		NewValidatorInfo(a, 10, make([]byte, 32)),
		NewValidatorInfo(b, 10, make([]byte, 32)),
		NewValidatorInfo(c, 10, make([]byte, 32)),
	})

	assert.Equal(t, 3, vs.Size())
	assert.Equal(t, uint64(30), vs.TotalPower())
	assert.Equal(t, uint64(21), vs.QuorumPower())
	assert.True(t, vs.Has(b))
	assert.False(t, vs.Has(Address{9}))
	assert.Equal(t, b, vs.Proposer(1, 0).Address)
	assert.Equal(t, c, vs.Proposer(1, 1).Address)
	assert.Equal(t, a, vs.Proposer(3, 0).Address)
}

func TestCommitCertificateSignedPower(t *testing.T) {
	a, b := Address{1}, Address{2}
	vs := NewValidatorSet([]ValidatorInfo{
		NewValidatorInfo(a, 10, make([]byte, 32)),
		NewValidatorInfo(b, 5, make([]byte, 32)),
	})
	hash := []byte("hash")
	cert := &CommitCertificate{
		Height:    1,
		BlockHash: hash,
		Votes: []Vote{
			{Height: 1, BlockHash: hash, Validator: a},
			{Height: 1, BlockHash: hash, Validator: a},             // duplicate
			{Height: 1, BlockHash: []byte("other"), Validator: b}, // other block
			{Height: 1, BlockHash: hash, Validator: Address{7}},   // unknown
		},
	}
	assert.Equal(t, uint64(10), cert.SignedPower(vs))
}

func TestQuorumPowerAtMaxTotal(t *testing.T) {
	g := NewGenesis("1").WithValidators([]ValidatorInfo{
		NewValidatorInfo(Address{1}, MaxTotalVotingPower, make([]byte, 32)),
	})
	require.NoError(t, g.Validate())

	vs := NewValidatorSet(g.Validators)
	assert.Equal(t, MaxTotalVotingPower*2/3+1, vs.QuorumPower())
	assert.Greater(t, vs.QuorumPower(), vs.TotalPower()*2/3)
	assert.LessOrEqual(t, vs.QuorumPower(), vs.TotalPower())
}
