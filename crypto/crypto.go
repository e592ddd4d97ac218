// Package crypto provides signing utilities for the consensus engine.
package crypto

import (
	"fmt"

	cmtcrypto "github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/p2p"

	"github.com/ahwlsqja/pbft-bridge/types"
)

// Signer signs consensus messages on behalf of the local node.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PubKey() []byte
	Address() types.Address
}

// DefaultSigner is an ed25519 Signer.
type DefaultSigner struct {
	privKey cmtcrypto.PrivKey
	address types.Address
}

// NewDefaultSigner creates a signer with a freshly generated key.
func NewDefaultSigner() (*DefaultSigner, error) {
	return NewSignerFromPrivKey(ed25519.GenPrivKey())
}

// NewSignerFromPrivKey wraps an existing ed25519 private key.
func NewSignerFromPrivKey(privKey cmtcrypto.PrivKey) (*DefaultSigner, error) {
	if privKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}
	addr, err := types.AddressFromPubKey(privKey.PubKey().Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}
	return &DefaultSigner{privKey: privKey, address: addr}, nil
}

// LoadOrGenNodeKey loads the node key stored at path, creating it when
// the file does not exist yet.
func LoadOrGenNodeKey(path string) (*DefaultSigner, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load node key %s: %w", path, err)
	}
	return NewSignerFromPrivKey(nodeKey.PrivKey)
}

// Sign signs a message.
func (s *DefaultSigner) Sign(message []byte) ([]byte, error) {
	return s.privKey.Sign(message)
}

// PubKey returns the raw public key.
func (s *DefaultSigner) PubKey() []byte {
	return s.privKey.PubKey().Bytes()
}

// Address returns the address derived from the public key.
func (s *DefaultSigner) Address() types.Address {
	return s.address
}

// Verify checks an ed25519 signature. Malformed keys never verify.
func Verify(pubKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PubKeySize {
		return false
	}
	return ed25519.PubKey(pubKey).VerifySignature(message, signature)
}
