package signature

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address derives the Ethereum address of a compressed (33 byte) or
// uncompressed (65 byte) secp256k1 public key.
func Address(pubKey []byte) (common.Address, error) {
	switch len(pubKey) {
	case 33:
		pk, err := crypto.DecompressPubkey(pubKey)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid compressed public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pk), nil
	case 65:
		pk, err := crypto.UnmarshalPubkey(pubKey)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pk), nil
	default:
		return common.Address{}, fmt.Errorf("public key must be 33 or 65 bytes, got %d", len(pubKey))
	}
}

// ChecksumAddress returns the EIP-55 mixed case address of pubKey.
func ChecksumAddress(pubKey []byte) (string, error) {
	addr, err := Address(pubKey)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// MessageHash hashes msg with the "\x19Ethereum Signed Message:\n" prefix.
func MessageHash(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// Recover returns the compressed public key that produced sig over hash.
func Recover(sig Encoded, hash []byte) ([]byte, error) {
	rsv, err := sig.RSV()
	if err != nil {
		return nil, err
	}
	pub, err := crypto.SigToPub(hash, rsv)
	if err != nil {
		return nil, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.CompressPubkey(pub), nil
}

// Verify checks that sig is a low-S signature over hash that recovers to
// pubKey (compressed form).
func Verify(sig Encoded, hash []byte, pubKey []byte) error {
	if !IsLowS(sig.S) {
		return fmt.Errorf("signature s is not canonical")
	}
	recovered, err := Recover(sig, hash)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered, pubKey) {
		return fmt.Errorf("signature recovers to %x, want %x", recovered, pubKey)
	}
	return nil
}
