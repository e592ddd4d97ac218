// Package types defines the data shared by the consensus engine, the
// application state bridge and the execution layer.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto/merkle"
	"github.com/cometbft/cometbft/crypto/tmhash"
)

// Block is the value agreed on by consensus. Txs are opaque to consensus
// and interpreted by the execution layer.
type Block struct {
	Header BlockHeader `json:"header"`
	Txs    [][]byte    `json:"txs"`
	Hash   []byte      `json:"hash"`
}

// BlockHeader contains metadata about the block.
type BlockHeader struct {
	ChainID   string    `json:"chain_id"`
	Height    uint64    `json:"height"`
	Round     uint64    `json:"round"`
	PrevHash  []byte    `json:"prev_hash"`
	Timestamp time.Time `json:"timestamp"`
	Proposer  Address   `json:"proposer"`
	TxRoot    []byte    `json:"tx_root"`
}

// NewBlock creates a block and fills TxRoot and Hash.
func NewBlock(chainID string, height, round uint64, prevHash []byte, proposer Address, ts time.Time, txs [][]byte) *Block {
	block := &Block{
		Header: BlockHeader{
			ChainID:   chainID,
			Height:    height,
			Round:     round,
			PrevHash:  prevHash,
			Timestamp: ts.UTC(),
			Proposer:  proposer,
			TxRoot:    TxRoot(txs),
		},
		Txs: txs,
	}
	block.Hash = block.ComputeHash()
	return block
}

// TxRoot is the merkle root of the transactions.
func TxRoot(txs [][]byte) []byte {
	return merkle.HashFromByteSlices(txs)
}

// ComputeHash hashes the canonical header encoding.
// The header commits to the transactions through TxRoot.
func (b *Block) ComputeHash() []byte {
	bz, err := json.Marshal(b.Header)
	if err != nil {
		// BlockHeader only holds JSON-safe fields.
		panic(fmt.Sprintf("marshal block header: %v", err))
	}
	return tmhash.Sum(bz)
}

// VerifyHash checks that TxRoot and Hash match the block contents.
func (b *Block) VerifyHash() error {
	if got := TxRoot(b.Txs); !bytesEqual(got, b.Header.TxRoot) {
		return fmt.Errorf("tx root mismatch: header %X, computed %X", b.Header.TxRoot, got)
	}
	if got := b.ComputeHash(); !bytesEqual(got, b.Hash) {
		return fmt.Errorf("block hash mismatch: block %X, computed %X", b.Hash, got)
	}
	return nil
}

// HashString returns the hex-encoded hash string.
func (b *Block) HashString() string {
	return hex.EncodeToString(b.Hash)
}

// Vote is a validator's signed approval of a block at (height, round).
type Vote struct {
	Height    uint64  `json:"height"`
	Round     uint64  `json:"round"`
	BlockHash []byte  `json:"block_hash"`
	Validator Address `json:"validator"`
	Signature []byte  `json:"signature"`
}

// VoteSignBytes returns the bytes a validator signs for a vote.
func VoteSignBytes(chainID string, height, round uint64, blockHash []byte) []byte {
	return signBytes("vote", chainID, height, round, blockHash)
}

// ProposalSignBytes returns the bytes a proposer signs for a proposal.
func ProposalSignBytes(chainID string, height, round uint64, blockHash []byte) []byte {
	return signBytes("proposal", chainID, height, round, blockHash)
}

func signBytes(kind, chainID string, height, round uint64, blockHash []byte) []byte {
	bz := make([]byte, 0, len(kind)+len(chainID)+18+len(blockHash))
	bz = append(bz, kind...)
	bz = append(bz, 0)
	bz = append(bz, chainID...)
	bz = append(bz, 0)
	bz = binary.BigEndian.AppendUint64(bz, height)
	bz = binary.BigEndian.AppendUint64(bz, round)
	return append(bz, blockHash...)
}

// CommitCertificate proves that a quorum of voting power approved a block.
type CommitCertificate struct {
	Height    uint64 `json:"height"`
	Round     uint64 `json:"round"`
	BlockHash []byte `json:"block_hash"`
	Votes     []Vote `json:"votes"`
}

// SignedPower sums the power of distinct validators in vs whose votes
// match the certificate. Signatures are checked by the engine, not here.
func (c *CommitCertificate) SignedPower(vs *ValidatorSet) uint64 {
	var power uint64
	seen := make(map[Address]struct{}, len(c.Votes))
	for _, v := range c.Votes {
		if v.Height != c.Height || v.Round != c.Round || !bytesEqual(v.BlockHash, c.BlockHash) {
			continue
		}
		if _, dup := seen[v.Validator]; dup {
			continue
		}
		val := vs.ByAddress(v.Validator)
		if val == nil {
			continue
		}
		seen[v.Validator] = struct{}{}
		power += val.VotingPower
	}
	return power
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}
