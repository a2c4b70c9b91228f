package signature

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivHex = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"
	testAddrHex = "970e8128ab834e8eac17ab8e3812f010678cf791"
)

// signed returns a low-S go-ethereum signature over hash as a raw Result.
func signed(t *testing.T, hash []byte) (Result, []byte) {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivHex)
	require.NoError(t, err)

	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	var res Result
	copy(res.R[:], sig[:32])
	copy(res.S[:], sig[32:64])
	res.RecoveryID = sig[64]
	return res, crypto.CompressPubkey(&key.PublicKey)
}

// highS mirrors res into its high-S twin, which recovers the same key with
// the opposite recovery id parity.
func highS(res Result) Result {
	var s btcec.ModNScalar
	s.SetBytes(&res.S)
	s.Negate()
	out := res
	out.S = s.Bytes()
	out.RecoveryID ^= 1
	return out
}

func TestNormalize(t *testing.T) {
	hash := crypto.Keccak256([]byte("normalize"))
	low, _ := signed(t, hash)
	require.True(t, IsLowS(low.S))

	t.Run("low s is untouched", func(t *testing.T) {
		assert.Equal(t, low, Normalize(low))
	})

	t.Run("high s is mirrored and parity flips", func(t *testing.T) {
		high := highS(low)
		require.False(t, IsLowS(high.S))

		got := Normalize(high)
		assert.Equal(t, low, got)
		assert.True(t, IsLowS(got.S))
	})

	t.Run("normalizing twice is a no-op", func(t *testing.T) {
		once := Normalize(highS(low))
		assert.Equal(t, once, Normalize(once))
	})

	t.Run("input is not mutated", func(t *testing.T) {
		high := highS(low)
		before := high
		_ = Finalize(high, 1)
		assert.Equal(t, before, high)
	})
}

func TestFoldRecoveryID(t *testing.T) {
	tests := []struct {
		name    string
		recid   uint64
		chainID uint64
		want    uint64
	}{
		{name: "recid 0 on mainnet", recid: 0, chainID: 1, want: 37},
		{name: "recid 1 on mainnet", recid: 1, chainID: 1, want: 38},
		{name: "recid 3 on chain 5", recid: 3, chainID: 5, want: 48},
		{name: "chain 0", recid: 0, chainID: 0, want: 35},
		{name: "large chain id", recid: 1, chainID: 42101, want: 84238},
		{name: "already folded stays", recid: 37, chainID: 1, want: 37},
		{name: "out of range stays", recid: 4, chainID: 1, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FoldRecoveryID(tt.recid, tt.chainID))
		})
	}
}

func TestUnfoldRecoveryID(t *testing.T) {
	recid, err := UnfoldRecoveryID(38, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), recid)

	_, err = UnfoldRecoveryID(27, 1)
	assert.Error(t, err)
	_, err = UnfoldRecoveryID(41, 1)
	assert.Error(t, err)
}

func TestFinalizeRecoversSigner(t *testing.T) {
	for i, msg := range []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"} {
		hash := crypto.Keccak256([]byte(msg))
		low, pub := signed(t, hash)

		for _, raw := range []Result{low, highS(low)} {
			for _, chainID := range []uint64{1, 56, 42101} {
				enc := Finalize(raw, chainID)
				assert.True(t, IsLowS(enc.S), "case %d", i)
				assert.GreaterOrEqual(t, enc.V, uint64(35))
				require.NoError(t, Verify(enc, hash, pub), "case %d chain %d", i, chainID)
			}
		}
	}
}

func TestVerifyRejects(t *testing.T) {
	hash := crypto.Keccak256([]byte("reject"))
	low, pub := signed(t, hash)

	t.Run("high s", func(t *testing.T) {
		high := highS(low)
		enc := Encoded{R: high.R, S: high.S, V: FoldRecoveryID(uint64(high.RecoveryID), 1), ChainID: 1}
		assert.ErrorContains(t, Verify(enc, hash, pub), "not canonical")
	})

	t.Run("other hash", func(t *testing.T) {
		enc := Finalize(low, 1)
		assert.Error(t, Verify(enc, crypto.Keccak256([]byte("other")), pub))
	})

	t.Run("unfolded v", func(t *testing.T) {
		enc := Finalize(low, 1)
		enc.V = uint64(low.RecoveryID)
		assert.Error(t, Verify(enc, hash, pub))
	})
}

func TestEncodedJSON(t *testing.T) {
	var enc Encoded
	enc.R[31] = 0x01
	enc.S[0] = 0x7f
	enc.V = 37
	enc.ChainID = 1

	raw, err := json.Marshal(enc)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, strings.Repeat("00", 31)+"01", fields["r"])
	assert.Equal(t, "7f"+strings.Repeat("00", 31), fields["s"])
	assert.Equal(t, float64(37), fields["recid"])
	assert.JSONEq(t, string(raw), enc.String())
}

func TestEthereumHelpers(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivHex)
	require.NoError(t, err)

	t.Run("address from compressed and uncompressed keys", func(t *testing.T) {
		compressed := crypto.CompressPubkey(&key.PublicKey)
		uncompressed := crypto.FromECDSAPub(&key.PublicKey)

		a1, err := Address(compressed)
		require.NoError(t, err)
		a2, err := Address(uncompressed)
		require.NoError(t, err)
		assert.Equal(t, a1, a2)
		assert.True(t, strings.EqualFold("0x"+testAddrHex, a1.Hex()))

		checksummed, err := ChecksumAddress(compressed)
		require.NoError(t, err)
		assert.Equal(t, a1.Hex(), checksummed)
		assert.NotEqual(t, strings.ToLower(checksummed), checksummed)
	})

	t.Run("bad key length", func(t *testing.T) {
		_, err := Address([]byte{1, 2, 3})
		assert.ErrorContains(t, err, "33 or 65 bytes")
	})

	t.Run("message hash uses personal prefix", func(t *testing.T) {
		want := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n11Hello World"))
		assert.Equal(t, want, MessageHash([]byte("Hello World")))
	})
}
