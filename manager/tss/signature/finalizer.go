// Package signature turns the raw output of a signing ceremony into the
// low-S, replay-protected form that Ethereum style verifiers expect.
package signature

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// recoveryIDOffset is added on top of chainID*2 when folding the recovery id.
const recoveryIDOffset = 35

// maxRawRecoveryID is the largest recovery id that is still unencoded.
const maxRawRecoveryID = 3

// Result is the raw signature produced by a signing ceremony.
type Result struct {
	R          [32]byte
	S          [32]byte
	RecoveryID uint8
}

// Encoded is a finalized signature. V carries the chain-folded recovery id.
type Encoded struct {
	R       [32]byte
	S       [32]byte
	V       uint64
	ChainID uint64
}

// Normalize returns raw with s replaced by N-s when s > N/2. The recovery id
// parity flips with s so the result still recovers the same public key.
// Applying it to a normalized result changes nothing.
func Normalize(raw Result) Result {
	var s btcec.ModNScalar
	s.SetBytes(&raw.S)
	if !s.IsOverHalfOrder() {
		return raw
	}
	s.Negate()

	out := raw
	out.S = s.Bytes()
	if out.RecoveryID <= maxRawRecoveryID {
		out.RecoveryID ^= 1
	}
	return out
}

// FoldRecoveryID encodes recid as recid + chainID*2 + 35 when it is a raw
// recovery id (0..3). Larger values are returned unchanged; folding an
// already folded value is a caller error.
func FoldRecoveryID(recid uint64, chainID uint64) uint64 {
	if recid > maxRawRecoveryID {
		return recid
	}
	return recid + chainID*2 + recoveryIDOffset
}

// UnfoldRecoveryID reverses FoldRecoveryID.
func UnfoldRecoveryID(v uint64, chainID uint64) (uint8, error) {
	base := chainID*2 + recoveryIDOffset
	if v < base || v-base > maxRawRecoveryID {
		return 0, fmt.Errorf("v %d is not folded for chain %d", v, chainID)
	}
	return uint8(v - base), nil
}

// Finalize normalizes s and folds the recovery id for chainID. raw is not
// modified.
func Finalize(raw Result, chainID uint64) Encoded {
	n := Normalize(raw)
	return Encoded{
		R:       n.R,
		S:       n.S,
		V:       FoldRecoveryID(uint64(n.RecoveryID), chainID),
		ChainID: chainID,
	}
}

// IsLowS reports whether s <= N/2.
func IsLowS(s [32]byte) bool {
	var scalar btcec.ModNScalar
	scalar.SetBytes(&s)
	return !scalar.IsOverHalfOrder()
}

// RSV returns the 65 byte r || s || recid form with the raw recovery id.
func (e Encoded) RSV() ([]byte, error) {
	recid, err := UnfoldRecoveryID(e.V, e.ChainID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out[:32], e.R[:])
	copy(out[32:64], e.S[:])
	out[64] = recid
	return out, nil
}

type encodedJSON struct {
	R     string `json:"r"`
	S     string `json:"s"`
	RecID uint64 `json:"recid"`
}

// MarshalJSON renders {"r": hex, "s": hex, "recid": v}.
func (e Encoded) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodedJSON{
		R:     hex.EncodeToString(e.R[:]),
		S:     hex.EncodeToString(e.S[:]),
		RecID: e.V,
	})
}

// String returns the JSON form.
func (e Encoded) String() string {
	b, err := e.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}
