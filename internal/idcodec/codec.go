package idcodec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
)

// Signer is the external signing collaborator: given a 32-byte hash and
// the seller's wallet address, it returns the hex-encoded COSE key and
// COSE signature over that hash. The orchestrator never holds wallet
// secrets itself -- internal/signer supplies the concrete implementation.
type Signer interface {
	Sign(ctx context.Context, hash [32]byte, sellerWalletAddress string) (coseKeyHex, coseSignatureHex string, err error)
}

// FailureKind names the five ways decode/verify can fail. It travels as
// the Payload of the *ierr.Error returned alongside it, so callers that
// care can switch on it without idcodec exporting its own error type.
type FailureKind string

const (
	InvalidFormat     FailureKind = "InvalidFormat"
	PurchaserMismatch FailureKind = "PurchaserMismatch"
	AgentMismatch     FailureKind = "AgentMismatch"
	KeyMismatch       FailureKind = "KeyMismatch"
	SignatureInvalid  FailureKind = "SignatureInvalid"
)

func newFailure(kind FailureKind, format string, args ...interface{}) *ierr.Error {
	return ierr.New(ierr.InvalidArgument, format, args...).WithPayload(kind)
}

// GenerateSellerIdentifier produces sellerIdentifier = hash(random) ||
// agentIdentifier. The hash is truncated to 28 bytes (56 hex chars) so
// that the decode side's sellerId[56:] slice lands exactly on the
// appended agentIdentifier -- see DESIGN.md for why 56, not 64.
func GenerateSellerIdentifier(agentIdentifier string) (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate random seller component: %w", err)
	}
	sum := sha256.Sum256(random)
	return hex.EncodeToString(sum[:28]) + agentIdentifier, nil
}

// VkeyHash derives the verification-key hash used to cross-check a
// decoded COSE key against a counterparty's on-chain-registered vkey. It
// uses the same truncated-SHA-256 scheme as GenerateSellerIdentifier so
// both "hash of a public value" sites in this codec agree on a length.
func VkeyHash(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid ed25519 public key size %d", len(pub))
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:28]), nil
}

// EncodeParams bundles the seller-side inputs needed to mint a token.
type EncodeParams struct {
	Preimage             Preimage
	PurchaserIdentifier  string
	SellerWalletAddress  string
}

// Encode runs the full seller-side pipeline: hash the preimage, have the
// Signer sign it, dot-join the four fields, LZ-string compress, and hex
// encode. The LZ-string variant must match Decode's exactly for the
// result to be bit-exact with any counterparty decoder.
func Encode(ctx context.Context, signer Signer, p EncodeParams) (string, error) {
	hash, err := HashPreimage(p.Preimage)
	if err != nil {
		return "", fmt.Errorf("hash preimage: %w", err)
	}

	coseKeyHex, coseSigHex, err := signer.Sign(ctx, hash, p.SellerWalletAddress)
	if err != nil {
		return "", fmt.Errorf("sign preimage hash: %w", err)
	}

	payload := strings.Join([]string{
		p.Preimage.SellerIdentifier,
		p.PurchaserIdentifier,
		coseSigHex,
		coseKeyHex,
	}, ".")

	compressed := lzStringCompress(payload)
	return hex.EncodeToString(uint16sToBytes(compressed)), nil
}

// Decoded is the buyer-side parse of a blockchainIdentifier token, before
// signature verification.
type Decoded struct {
	SellerIdentifier    string
	PurchaserIdentifier string
	SignatureHex        string
	KeyHex              string
	// AgentIdentifier is "" when the envelope carries none (sellerIdentifier
	// at or under the 64-char hash boundary).
	AgentIdentifier string
}

// Decode implements the buyer-side decode pipeline. It never returns an
// error -- any malformed input simply yields ok=false.
func Decode(token string) (*Decoded, bool) {
	if token == "" || len(token)%2 != 0 {
		return nil, false
	}
	if !isLowerHex(token) {
		return nil, false
	}

	raw, err := hex.DecodeString(token)
	if err != nil {
		return nil, false
	}

	payload, ok := lzStringDecompress(bytesToUint16s(raw))
	if !ok {
		return nil, false
	}

	fields := strings.Split(payload, ".")
	if len(fields) != 4 {
		return nil, false
	}

	sellerID, purchaserID, sigHex, keyHex := fields[0], fields[1], fields[2], fields[3]
	if !isHex(sellerID) || !isHex(purchaserID) {
		return nil, false
	}

	var agentID string
	if len(sellerID) > 64 {
		agentID = sellerID[56:]
	}

	return &Decoded{
		SellerIdentifier:    sellerID,
		PurchaserIdentifier: purchaserID,
		SignatureHex:        sigHex,
		KeyHex:              keyHex,
		AgentIdentifier:     agentID,
	}, true
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// VerifyParams bundles the buyer-supplied fields needed to re-derive and
// check the preimage hash against the decoded signature. Preimage must
// already carry the seller address as observed on-chain, since the
// original signer-supplied SellerAddress is not transmitted separately.
type VerifyParams struct {
	AgentIdentifier         string
	IdentifierFromPurchaser string
	SellerVkey              string
	Preimage                Preimage
}

// Verify implements the buyer-side verification steps at purchase
// creation, returning a FailureKind-tagged *ierr.Error on any mismatch.
func Verify(decoded *Decoded, params VerifyParams) error {
	if decoded == nil {
		return newFailure(InvalidFormat, "nil decoded identifier")
	}
	if decoded.AgentIdentifier != params.AgentIdentifier {
		return newFailure(AgentMismatch, "decoded agentIdentifier %q != expected %q", decoded.AgentIdentifier, params.AgentIdentifier)
	}
	if decoded.PurchaserIdentifier != params.IdentifierFromPurchaser {
		return newFailure(PurchaserMismatch, "decoded purchaserIdentifier %q != expected %q", decoded.PurchaserIdentifier, params.IdentifierFromPurchaser)
	}

	keyBytes, err := hex.DecodeString(decoded.KeyHex)
	if err != nil {
		return newFailure(InvalidFormat, "key field is not valid hex: %v", err)
	}
	pub, err := DecodeCOSEKey(keyBytes)
	if err != nil {
		return newFailure(InvalidFormat, "decode COSE key: %v", err)
	}

	vkeyHash, err := VkeyHash(pub)
	if err != nil {
		return newFailure(InvalidFormat, "derive vkey hash: %v", err)
	}
	if vkeyHash != params.SellerVkey {
		return newFailure(KeyMismatch, "COSE key vkey hash %q != sellerVkey %q", vkeyHash, params.SellerVkey)
	}

	hash, err := HashPreimage(params.Preimage)
	if err != nil {
		return newFailure(InvalidFormat, "hash reconstructed preimage: %v", err)
	}

	sigBytes, err := hex.DecodeString(decoded.SignatureHex)
	if err != nil {
		return newFailure(InvalidFormat, "signature field is not valid hex: %v", err)
	}
	_, signature, err := DecodeCOSESign1(sigBytes)
	if err != nil {
		return newFailure(InvalidFormat, "decode COSE_Sign1: %v", err)
	}

	if !ed25519.Verify(pub, hash[:], signature) {
		return newFailure(SignatureInvalid, "signature does not verify under decoded key")
	}

	return nil
}
