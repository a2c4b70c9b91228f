package engine

import (
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"

	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// CMP is the Engine backed by the CMP threshold ECDSA protocol on secp256k1.
type CMP struct {
	pool *pool.Pool
}

// NewCMP creates the engine. workers bounds the parallelism of the heavier
// proofs; 0 uses every CPU.
func NewCMP(workers int) *CMP {
	return &CMP{pool: pool.NewPool(workers)}
}

// Close releases the worker pool.
func (c *CMP) Close() {
	c.pool.TearDown()
}

// Keygen implements Engine.
func (c *CMP) Keygen(self wire.PartyIndex, parties wire.PartySet, threshold uint16, sessionID []byte) (Handler, error) {
	if err := validateThreshold(parties, threshold); err != nil {
		return nil, err
	}
	if !parties.Contains(self) {
		return nil, fmt.Errorf("party %d is not among keygen parties", self)
	}
	// CMP counts the parties beyond the first one required to sign.
	start := cmp.Keygen(curve.Secp256k1{}, partyID(self), partyIDs(parties), int(threshold)-1, c.pool)
	return protocol.NewMultiHandler(start, sessionID)
}

// KeyShare implements Engine.
func (c *CMP) KeyShare(self wire.PartyIndex, parties wire.PartySet, threshold uint16, result interface{}) (*KeyShare, error) {
	cfg, ok := result.(*cmp.Config)
	if !ok {
		return nil, fmt.Errorf("unexpected keygen result %T", result)
	}
	secret, err := cfg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key config: %w", err)
	}
	pub, err := cfg.PublicPoint().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return &KeyShare{
		Index:     self,
		Threshold: threshold,
		Parties:   append(wire.PartySet(nil), parties...),
		PublicKey: pub,
		Secret:    secret,
	}, nil
}

// Offline implements Engine.
func (c *CMP) Offline(share *KeyShare, signers wire.PartySet, sessionID []byte) (Handler, error) {
	cfg, err := c.config(share)
	if err != nil {
		return nil, err
	}
	return protocol.NewMultiHandler(cmp.Presign(cfg, partyIDs(signers), c.pool), sessionID)
}

// PreSignature implements Engine.
func (c *CMP) PreSignature(share *KeyShare, result interface{}) (PreSignature, error) {
	presig, ok := result.(*ecdsa.PreSignature)
	if !ok {
		return nil, fmt.Errorf("unexpected offline result %T", result)
	}
	cfg, err := c.config(share)
	if err != nil {
		return nil, err
	}
	if err := presig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pre-signature: %w", err)
	}
	return &cmpPreSignature{presig: presig, public: cfg.PublicPoint()}, nil
}

func (c *CMP) config(share *KeyShare) (*cmp.Config, error) {
	cfg := cmp.EmptyConfig(curve.Secp256k1{})
	if err := cfg.UnmarshalBinary(share.Secret); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key config: %w", err)
	}
	return cfg, nil
}

type cmpPreSignature struct {
	presig *ecdsa.PreSignature
	public curve.Point
}

func (p *cmpPreSignature) Share(hash []byte) ([]byte, error) {
	return p.presig.SignatureShare(hash).MarshalBinary()
}

func (p *cmpPreSignature) Combine(shares map[wire.PartyIndex][]byte, hash []byte) (signature.Result, error) {
	group := curve.Secp256k1{}
	scalars := make(map[party.ID]curve.Scalar, len(shares))
	for idx, raw := range shares {
		s := group.NewScalar()
		if err := s.UnmarshalBinary(raw); err != nil {
			return signature.Result{}, &ProtocolError{
				Stage:    wire.StagePartial,
				Culprits: []wire.PartyIndex{idx},
				Err:      fmt.Errorf("malformed partial signature: %w", err),
			}
		}
		scalars[partyID(idx)] = s
	}

	sig := p.presig.Signature(scalars)
	if sig == nil || !sig.Verify(p.public, hash) {
		culprits := p.presig.VerifySignatureShares(scalars, hash)
		return signature.Result{}, &ProtocolError{
			Stage:    wire.StagePartial,
			Culprits: partyIndexes(culprits),
			Err:      fmt.Errorf("combined signature does not verify"),
		}
	}

	r, err := sig.R.XScalar().MarshalBinary()
	if err != nil {
		return signature.Result{}, err
	}
	s, err := sig.S.MarshalBinary()
	if err != nil {
		return signature.Result{}, err
	}
	rPoint, err := sig.R.MarshalBinary()
	if err != nil {
		return signature.Result{}, err
	}

	var out signature.Result
	copy(out.R[:], r)
	copy(out.S[:], s)
	// Compressed point prefix 0x02/0x03 carries the parity of R.y.
	out.RecoveryID = rPoint[0] - 2
	return out, nil
}

func validateThreshold(parties wire.PartySet, threshold uint16) error {
	if err := parties.Validate(); err != nil {
		return err
	}
	if threshold < 1 || int(threshold) > len(parties) {
		return fmt.Errorf("threshold %d out of range for %d parties", threshold, len(parties))
	}
	return nil
}
