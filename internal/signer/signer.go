// Package signer supplies the concrete Signer the orchestrator holds as
// a process-wide singleton. Wallet custody and real signing are out of
// scope; LocalEd25519Signer exists so internal/idcodec's Encode pipeline
// and the Action Dispatcher have a real collaborator to drive in tests
// and local development, built against idcodec's own COSE helpers.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cardano-escrow/orchestrator/internal/idcodec"
)

// LocalEd25519Signer signs with an in-process Ed25519 key pair. It
// implements idcodec.Signer.
type LocalEd25519Signer struct {
	mu     sync.RWMutex
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	keyHex string
}

// NewLocalEd25519Signer generates a fresh Ed25519 key pair and
// pre-encodes its COSE_Key representation.
func NewLocalEd25519Signer() (*LocalEd25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	keyBytes, err := idcodec.EncodeCOSEKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode COSE key: %w", err)
	}
	return &LocalEd25519Signer{
		priv:   priv,
		pub:    pub,
		keyHex: hex.EncodeToString(keyBytes),
	}, nil
}

// Sign implements idcodec.Signer.
func (s *LocalEd25519Signer) Sign(_ context.Context, hash [32]byte, _ string) (coseKeyHex, coseSignatureHex string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	signature := ed25519.Sign(s.priv, hash[:])
	sigBytes, err := idcodec.EncodeCOSESign1(nil, signature)
	if err != nil {
		return "", "", fmt.Errorf("encode COSE_Sign1: %w", err)
	}
	return s.keyHex, hex.EncodeToString(sigBytes), nil
}

// VkeyHash returns the verification-key hash a counterparty would
// register on-chain for this signer's public key.
func (s *LocalEd25519Signer) VkeyHash() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idcodec.VkeyHash(s.pub)
}

// PublicKey returns the signer's Ed25519 public key.
func (s *LocalEd25519Signer) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub
}
