// Package idcodec implements the blockchainIdentifier wire format: a
// signed, self-describing token that lets two parties who have never
// spoken before agree on every escrow parameter without a handshake. The
// pipeline is preimage -> canonical JSON -> SHA-256 -> COSE sign -> dot-
// joined payload -> LZ-string compress -> hex, and the exact reverse on
// decode.
package idcodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cardano-escrow/orchestrator/internal/store"
)

// Preimage is the object hashed and signed to produce a blockchainIdentifier.
// RequestedFunds is nil for Fixed pricing (parties derive amounts from
// on-chain metadata instead); otherwise it is the ordered list as stored.
type Preimage struct {
	InputHash                 string
	AgentIdentifier            string
	PurchaserIdentifier        string
	SellerIdentifier           string
	RequestedFunds             []store.UnitValue
	PayByTime                  int64
	SubmitResultTime           int64
	UnlockTime                 int64
	ExternalDisputeUnlockTime  int64
	SellerAddress              string
}

// CanonicalPreimageJSON serializes p with its ten fields in the fixed
// insertion order the signature is computed over. This is not a general
// RFC 8785 canonicalizer: the preimage has one known shape, so the
// encoder writes that shape directly rather than sorting arbitrary JSON
// the way a generic JCS library would.
func CanonicalPreimageJSON(p Preimage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"inputHash":`)
	buf.Write(jsonString(p.InputHash))
	buf.WriteByte(',')

	buf.WriteString(`"agentIdentifier":`)
	buf.Write(jsonString(p.AgentIdentifier))
	buf.WriteByte(',')

	buf.WriteString(`"purchaserIdentifier":`)
	buf.Write(jsonString(p.PurchaserIdentifier))
	buf.WriteByte(',')

	buf.WriteString(`"sellerIdentifier":`)
	buf.Write(jsonString(p.SellerIdentifier))
	buf.WriteByte(',')

	buf.WriteString(`"RequestedFunds":`)
	if p.RequestedFunds == nil {
		buf.WriteString("null")
	} else {
		buf.WriteByte('[')
		for i, uv := range p.RequestedFunds {
			if i > 0 {
				buf.WriteByte(',')
			}
			amountJSON, err := uv.Amount.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("encode requestedFunds[%d].amount: %w", i, err)
			}
			buf.WriteByte('{')
			buf.WriteString(`"unit":`)
			buf.Write(jsonString(uv.Unit))
			buf.WriteByte(',')
			buf.WriteString(`"amount":`)
			buf.Write(amountJSON)
			buf.WriteByte('}')
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(',')

	buf.WriteString(`"payByTime":`)
	buf.WriteString(strconv.FormatInt(p.PayByTime, 10))
	buf.WriteByte(',')

	buf.WriteString(`"submitResultTime":`)
	buf.WriteString(strconv.FormatInt(p.SubmitResultTime, 10))
	buf.WriteByte(',')

	buf.WriteString(`"unlockTime":`)
	buf.WriteString(strconv.FormatInt(p.UnlockTime, 10))
	buf.WriteByte(',')

	buf.WriteString(`"externalDisputeUnlockTime":`)
	buf.WriteString(strconv.FormatInt(p.ExternalDisputeUnlockTime, 10))
	buf.WriteByte(',')

	buf.WriteString(`"sellerAddress":`)
	buf.Write(jsonString(p.SellerAddress))

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// HashPreimage returns SHA-256 of the canonical JSON serialization of p.
func HashPreimage(p Preimage) ([32]byte, error) {
	data, err := CanonicalPreimageJSON(p)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func jsonString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		// s is always a plain Go string; json.Marshal only fails on
		// unsupported types or cyclic structures, neither possible here.
		panic(fmt.Sprintf("idcodec: marshal string literal: %v", err))
	}
	return b
}
