package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/ahwlsqja/pbft-bridge/types"
)

// ConsensusStore persists decided blocks and their commit certificates in
// the consensus tables.
type ConsensusStore struct {
	db dbm.DB

	heights      Table
	blocks       Table
	certificates Table
	votes        Table
}

// NewConsensusStore opens the consensus tables of db.
func NewConsensusStore(db dbm.DB) *ConsensusStore {
	return &ConsensusStore{
		db:           db,
		heights:      NewTable(db, Tables, TableHeights),
		blocks:       NewTable(db, Tables, TableBlocks),
		certificates: NewTable(db, Tables, TableCertificates),
		votes:        NewTable(db, Tables, TableVotes),
	}
}

func heightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}

// ================================================================================
//                          블록 저장/로드
// ================================================================================

// SaveDecided atomically records a decided block with its certificate.
func (s *ConsensusStore) SaveDecided(block *types.Block, cert *types.CommitCertificate) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}

	blockBz, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	certBz, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	hk := heightKey(block.Header.Height)
	if err := batch.Set(s.heights.Key(hk), block.Hash); err != nil {
		return err
	}
	if err := batch.Set(s.blocks.Key(hk), blockBz); err != nil {
		return err
	}
	if err := batch.Set(s.certificates.Key(hk), certBz); err != nil {
		return err
	}
	for _, vote := range cert.Votes {
		voteBz, err := json.Marshal(vote)
		if err != nil {
			return fmt.Errorf("failed to marshal vote: %w", err)
		}
		if err := batch.Set(s.votes.Key(append(heightKey(vote.Height), vote.Validator[:]...)), voteBz); err != nil {
			return err
		}
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to write decided block %d: %w", block.Header.Height, err)
	}
	return nil
}

// LoadBlock returns the decided block at height, or nil if there is none.
func (s *ConsensusStore) LoadBlock(height uint64) (*types.Block, error) {
	var block types.Block
	ok, err := s.blocks.GetJSON(heightKey(height), &block)
	if err != nil || !ok {
		return nil, err
	}
	return &block, nil
}

// LoadCertificate returns the certificate for height, or nil if there is none.
func (s *ConsensusStore) LoadCertificate(height uint64) (*types.CommitCertificate, error) {
	var cert types.CommitCertificate
	ok, err := s.certificates.GetJSON(heightKey(height), &cert)
	if err != nil || !ok {
		return nil, err
	}
	return &cert, nil
}

// LoadVotes returns the stored votes for height ordered by validator address.
func (s *ConsensusStore) LoadVotes(height uint64) ([]types.Vote, error) {
	it, err := s.votes.PrefixIterator(heightKey(height))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var votes []types.Vote
	for ; it.Valid(); it.Next() {
		var v types.Vote
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to decode vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, it.Error()
}

// LatestHeight returns the highest decided height and its block hash.
// Height 0 means nothing was decided yet.
func (s *ConsensusStore) LatestHeight() (uint64, []byte, error) {
	it, err := s.heights.Iterator(true)
	if err != nil {
		return 0, nil, err
	}
	defer it.Close()

	if !it.Valid() {
		return 0, nil, it.Error()
	}
	k := s.heights.TrimKey(it.Key())
	if len(k) != 8 {
		return 0, nil, fmt.Errorf("malformed height key %X", it.Key())
	}
	hash := make([]byte, len(it.Value()))
	copy(hash, it.Value())
	return binary.BigEndian.Uint64(k), hash, nil
}
