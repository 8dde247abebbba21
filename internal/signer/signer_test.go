package signer_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/cardano-escrow/orchestrator/internal/idcodec"
	"github.com/cardano-escrow/orchestrator/internal/signer"
)

func TestLocalEd25519SignerProducesVerifiableSignature(t *testing.T) {
	s, err := signer.NewLocalEd25519Signer()
	if err != nil {
		t.Fatalf("NewLocalEd25519Signer: %v", err)
	}

	var hash [32]byte
	copy(hash[:], []byte("some preimage hash for signing.."))

	keyHex, sigHex, err := s.Sign(context.Background(), hash, "addr_test1seller")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if keyHex == "" || sigHex == "" {
		t.Fatalf("Sign: expected non-empty key and signature hex")
	}

	if s.PublicKey().Equal(nil) {
		t.Fatalf("PublicKey: expected non-nil key")
	}
	if len(s.PublicKey()) != ed25519.PublicKeySize {
		t.Fatalf("PublicKey: unexpected size %d", len(s.PublicKey()))
	}

	vkeyHash, err := s.VkeyHash()
	if err != nil {
		t.Fatalf("VkeyHash: %v", err)
	}
	want, err := idcodec.VkeyHash(s.PublicKey())
	if err != nil {
		t.Fatalf("idcodec.VkeyHash: %v", err)
	}
	if vkeyHash != want {
		t.Errorf("VkeyHash() = %q, want %q", vkeyHash, want)
	}
}

func TestLocalEd25519SignerKeysAreIndependent(t *testing.T) {
	a, err := signer.NewLocalEd25519Signer()
	if err != nil {
		t.Fatalf("NewLocalEd25519Signer: %v", err)
	}
	b, err := signer.NewLocalEd25519Signer()
	if err != nil {
		t.Fatalf("NewLocalEd25519Signer: %v", err)
	}
	if a.PublicKey().Equal(b.PublicKey()) {
		t.Fatalf("expected two freshly generated signers to have distinct keys")
	}
}
