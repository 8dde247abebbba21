package idcodec_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cardano-escrow/orchestrator/internal/idcodec"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/signer"
)

// testAgentIdentifier is a 56-hex-char policy id followed by an asset
// name, long enough for Decode to recover it from sellerIdentifier[56:].
var testAgentIdentifier = strings.Repeat("cd", 28) + "cafe1234"

func newTestPreimage(t *testing.T, sellerID string) idcodec.Preimage {
	t.Helper()
	return idcodec.Preimage{
		InputHash:                 strings.Repeat("ab", 32),
		AgentIdentifier:           testAgentIdentifier,
		PurchaserIdentifier:       "beef5678",
		SellerIdentifier:          sellerID,
		RequestedFunds:            nil,
		PayByTime:                 1_700_000_000,
		SubmitResultTime:          1_700_003_600,
		UnlockTime:                1_700_007_200,
		ExternalDisputeUnlockTime: 1_700_010_800,
		SellerAddress:             "addr_test1seller",
	}
}

func TestIdentifierRoundTrip(t *testing.T) {
	s, err := signer.NewLocalEd25519Signer()
	if err != nil {
		t.Fatalf("NewLocalEd25519Signer: %v", err)
	}

	sellerID, err := idcodec.GenerateSellerIdentifier(testAgentIdentifier)
	if err != nil {
		t.Fatalf("GenerateSellerIdentifier: %v", err)
	}

	preimage := newTestPreimage(t, sellerID)
	token, err := idcodec.Encode(context.Background(), s, idcodec.EncodeParams{
		Preimage:            preimage,
		PurchaserIdentifier: preimage.PurchaserIdentifier,
		SellerWalletAddress: preimage.SellerAddress,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, ok := idcodec.Decode(token)
	if !ok {
		t.Fatalf("Decode: expected ok=true for freshly encoded token")
	}
	if decoded.SellerIdentifier != sellerID {
		t.Errorf("SellerIdentifier = %q, want %q", decoded.SellerIdentifier, sellerID)
	}
	if decoded.PurchaserIdentifier != preimage.PurchaserIdentifier {
		t.Errorf("PurchaserIdentifier = %q, want %q", decoded.PurchaserIdentifier, preimage.PurchaserIdentifier)
	}
	if decoded.AgentIdentifier != testAgentIdentifier {
		t.Errorf("AgentIdentifier = %q, want %q", decoded.AgentIdentifier, testAgentIdentifier)
	}

	vkey, err := s.VkeyHash()
	if err != nil {
		t.Fatalf("VkeyHash: %v", err)
	}

	err = idcodec.Verify(decoded, idcodec.VerifyParams{
		AgentIdentifier:         testAgentIdentifier,
		IdentifierFromPurchaser: preimage.PurchaserIdentifier,
		SellerVkey:              vkey,
		Preimage:                preimage,
	})
	if err != nil {
		t.Fatalf("Verify: unexpected error: %v", err)
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	cases := []string{
		"",
		"a",           // odd length
		"zz",          // not hex
		"ABCD",        // uppercase hex is rejected, only lowercase is valid
		"deadbeefcafe", // valid hex, but not a compressed four-field payload
	}
	for _, c := range cases {
		if _, ok := idcodec.Decode(c); ok {
			t.Errorf("Decode(%q): expected ok=false", c)
		}
	}
}

func TestVerifyFailureKinds(t *testing.T) {
	s, err := signer.NewLocalEd25519Signer()
	if err != nil {
		t.Fatalf("NewLocalEd25519Signer: %v", err)
	}
	sellerID, err := idcodec.GenerateSellerIdentifier(testAgentIdentifier)
	if err != nil {
		t.Fatalf("GenerateSellerIdentifier: %v", err)
	}
	preimage := newTestPreimage(t, sellerID)
	token, err := idcodec.Encode(context.Background(), s, idcodec.EncodeParams{
		Preimage:            preimage,
		PurchaserIdentifier: preimage.PurchaserIdentifier,
		SellerWalletAddress: preimage.SellerAddress,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, ok := idcodec.Decode(token)
	if !ok {
		t.Fatalf("Decode: expected ok=true")
	}
	vkey, err := s.VkeyHash()
	if err != nil {
		t.Fatalf("VkeyHash: %v", err)
	}

	base := idcodec.VerifyParams{
		AgentIdentifier:         testAgentIdentifier,
		IdentifierFromPurchaser: preimage.PurchaserIdentifier,
		SellerVkey:              vkey,
		Preimage:                preimage,
	}

	t.Run("AgentMismatch", func(t *testing.T) {
		params := base
		params.AgentIdentifier = "wrong0000"
		assertFailureKind(t, idcodec.Verify(decoded, params), idcodec.AgentMismatch)
	})

	t.Run("PurchaserMismatch", func(t *testing.T) {
		params := base
		params.IdentifierFromPurchaser = "wrong0000"
		assertFailureKind(t, idcodec.Verify(decoded, params), idcodec.PurchaserMismatch)
	})

	t.Run("KeyMismatch", func(t *testing.T) {
		params := base
		params.SellerVkey = "0000000000000000000000000000000000000000000000000000"
		assertFailureKind(t, idcodec.Verify(decoded, params), idcodec.KeyMismatch)
	})

	t.Run("SignatureInvalid", func(t *testing.T) {
		params := base
		tampered := preimage
		tampered.PayByTime = preimage.PayByTime + 1
		params.Preimage = tampered
		assertFailureKind(t, idcodec.Verify(decoded, params), idcodec.SignatureInvalid)
	})
}

func assertFailureKind(t *testing.T, err error, want idcodec.FailureKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with FailureKind %s, got nil", want)
	}
	var ierrErr *ierr.Error
	if !errors.As(err, &ierrErr) {
		t.Fatalf("expected *ierr.Error, got %T", err)
	}
	got, ok := ierrErr.Payload.(idcodec.FailureKind)
	if !ok {
		t.Fatalf("expected Payload to be idcodec.FailureKind, got %T", ierrErr.Payload)
	}
	if got != want {
		t.Errorf("FailureKind = %s, want %s", got, want)
	}
}
