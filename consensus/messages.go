package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/ahwlsqja/pbft-bridge/types"
)

// MessageType represents the type of a consensus message.
type MessageType int

const (
	// MsgProposal carries a block proposed for a round.
	MsgProposal MessageType = iota
	// MsgVote carries a validator's vote for a block.
	MsgVote
	// MsgTx carries a batch of gossiped transactions.
	MsgTx
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case MsgProposal:
		return "PROPOSAL"
	case MsgVote:
		return "VOTE"
	case MsgTx:
		return "TX"
	default:
		return "UNKNOWN"
	}
}

// Message is the gossip envelope.
type Message struct {
	Type     MessageType  `json:"type"`
	Proposal *ProposalMsg `json:"proposal,omitempty"`
	Vote     *types.Vote  `json:"vote,omitempty"`
	Txs      [][]byte     `json:"txs,omitempty"`
}

// ProposalMsg proposes Block in Round. Block.Header.Round may be lower
// than Round when a locked block is proposed again.
type ProposalMsg struct {
	Round     uint64       `json:"round"`
	Block     *types.Block `json:"block"`
	Signature []byte       `json:"signature"`
}

// NewProposalMessage wraps a proposal.
func NewProposalMessage(round uint64, block *types.Block, sig []byte) *Message {
	return &Message{
		Type:     MsgProposal,
		Proposal: &ProposalMsg{Round: round, Block: block, Signature: sig},
	}
}

// NewVoteMessage wraps a vote.
func NewVoteMessage(vote types.Vote) *Message {
	return &Message{Type: MsgVote, Vote: &vote}
}

// NewTxMessage wraps a batch of transactions.
func NewTxMessage(txs [][]byte) *Message {
	return &Message{Type: MsgTx, Txs: txs}
}

// Encode serializes the message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes and sanity checks a message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	switch msg.Type {
	case MsgProposal:
		if msg.Proposal == nil || msg.Proposal.Block == nil {
			return nil, fmt.Errorf("proposal message without block")
		}
	case MsgVote:
		if msg.Vote == nil {
			return nil, fmt.Errorf("vote message without vote")
		}
	case MsgTx:
		if len(msg.Txs) == 0 {
			return nil, fmt.Errorf("tx message without txs")
		}
	default:
		return nil, fmt.Errorf("unknown message type %d", msg.Type)
	}
	return &msg, nil
}
