package idcodec

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// coseKey is a minimal COSE_Key (RFC 8152 §7) restricted to the OKP/Ed25519
// shape this escrow protocol signs with: kty=OKP(1), crv=Ed25519(6), x=raw
// 32-byte public key.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
}

const (
	coseKtyOKP     = 1
	coseCrvEd25519 = 6
	coseAlgEdDSA   = -8
)

// EncodeCOSEKey CBOR-encodes an Ed25519 public key as a COSE_Key map.
func EncodeCOSEKey(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size %d", len(pub))
	}
	x := append([]byte(nil), pub...)
	return cbor.Marshal(coseKey{Kty: coseKtyOKP, Crv: coseCrvEd25519, X: x})
}

// DecodeCOSEKey recovers the Ed25519 public key from a COSE_Key CBOR map.
func DecodeCOSEKey(data []byte) (ed25519.PublicKey, error) {
	var key coseKey
	if err := cbor.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("decode COSE key: %w", err)
	}
	if key.Kty != coseKtyOKP || key.Crv != coseCrvEd25519 {
		return nil, fmt.Errorf("unsupported COSE key type/curve (%d/%d)", key.Kty, key.Crv)
	}
	if len(key.X) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid COSE key x length %d", len(key.X))
	}
	return ed25519.PublicKey(key.X), nil
}

// protectedHeader is the CBOR map embedded (as a bstr) in a COSE_Sign1's
// protected field; this protocol signs with EdDSA exclusively.
type protectedHeader struct {
	Alg int `cbor:"1,keyasint"`
}

// coseSign1 mirrors RFC 8152's COSE_Sign1 four-element array.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int]interface{}
	Payload     []byte
	Signature   []byte
}

// EncodeCOSESign1 wraps a detached payload and its raw Ed25519 signature
// in a COSE_Sign1 structure.
func EncodeCOSESign1(payload, signature []byte) ([]byte, error) {
	protected, err := cbor.Marshal(protectedHeader{Alg: coseAlgEdDSA})
	if err != nil {
		return nil, fmt.Errorf("encode COSE protected header: %w", err)
	}
	msg := coseSign1{
		Protected:   protected,
		Unprotected: map[int]interface{}{},
		Payload:     payload,
		Signature:   signature,
	}
	return cbor.Marshal(msg)
}

// DecodeCOSESign1 recovers the payload and raw signature bytes from a
// COSE_Sign1 structure.
func DecodeCOSESign1(data []byte) (payload, signature []byte, err error) {
	var msg coseSign1
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("decode COSE_Sign1: %w", err)
	}
	return msg.Payload, msg.Signature, nil
}
