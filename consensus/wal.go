package consensus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/ahwlsqja/pbft-bridge/store"
)

// walTables hold what this node signed, so a restart never signs a
// conflicting message.
var walTables = store.Schema{
	Name: "wal",
	Tables: []store.TableSpec{
		{Name: "Votes", Version: 1},
		{Name: "Proposals", Version: 1},
	},
}

type walEntry struct {
	Round     uint64 `json:"round"`
	BlockHash []byte `json:"block_hash"`
}

type wal struct {
	db        dbm.DB
	votes     store.Table
	proposals store.Table
}

func openWAL(dir string, backend dbm.BackendType) (*wal, error) {
	db, err := dbm.NewDB("cs_wal", backend, dir)
	if err != nil {
		return nil, err
	}
	if err := store.CreateTablesFor(db, walTables); err != nil {
		db.Close()
		return nil, err
	}
	return &wal{
		db:        db,
		votes:     store.NewTable(db, walTables, "Votes"),
		proposals: store.NewTable(db, walTables, "Proposals"),
	}, nil
}

func walHeightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}

func walRoundKey(height, round uint64) []byte {
	return binary.BigEndian.AppendUint64(walHeightKey(height), round)
}

// vote returns the vote signed at height, if any.
func (w *wal) vote(height uint64) (*walEntry, error) {
	var e walEntry
	ok, err := w.votes.GetJSON(walHeightKey(height), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (w *wal) recordVote(height, round uint64, hash []byte) error {
	return w.write(w.votes, walHeightKey(height), walEntry{Round: round, BlockHash: hash})
}

// proposal returns the block hash proposed at height/round, if any.
func (w *wal) proposal(height, round uint64) (*walEntry, error) {
	var e walEntry
	ok, err := w.proposals.GetJSON(walRoundKey(height, round), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (w *wal) recordProposal(height, round uint64, hash []byte) error {
	return w.write(w.proposals, walRoundKey(height, round), walEntry{Round: round, BlockHash: hash})
}

func (w *wal) write(t store.Table, k []byte, e walEntry) error {
	bz, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := t.SetSync(k, bz); err != nil {
		return fmt.Errorf("failed to write WAL: %w", err)
	}
	return nil
}

// prune drops entries for heights below height.
func (w *wal) prune(height uint64) error {
	batch := w.db.NewBatch()
	defer batch.Close()

	for _, t := range []store.Table{w.votes, w.proposals} {
		it, err := w.db.Iterator(t.Key(nil), t.Key(walHeightKey(height)))
		if err != nil {
			return err
		}
		for ; it.Valid(); it.Next() {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())
			if err := batch.Delete(key); err != nil {
				it.Close()
				return err
			}
		}
		err = it.Error()
		it.Close()
		if err != nil {
			return err
		}
	}
	return batch.Write()
}

func (w *wal) Close() error {
	return w.db.Close()
}
