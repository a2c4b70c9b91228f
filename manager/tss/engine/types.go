// Package engine wraps the threshold ECDSA state machine and drives it for
// one ceremony stage at a time.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/protocol"

	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Handler is one running instance of the engine's multi-round state machine.
// Outbound messages appear on Listen, which closes once Result is ready.
// *protocol.MultiHandler satisfies it.
type Handler interface {
	Listen() <-chan *protocol.Message
	Accept(msg *protocol.Message)
	CanAccept(msg *protocol.Message) bool
	Result() (interface{}, error)
	Stop()
}

// PreSignature is the local outcome of the offline stage.
type PreSignature interface {
	// Share computes the local partial signature over hash.
	Share(hash []byte) ([]byte, error)

	// Combine assembles the partial signatures of every signer into the raw
	// signature, returning a *ProtocolError naming culprits on bad shares.
	Combine(shares map[wire.PartyIndex][]byte, hash []byte) (signature.Result, error)
}

// Engine creates the state machines for each stage.
type Engine interface {
	// Keygen starts key generation for self among parties, with threshold
	// being the number of parties required to sign.
	Keygen(self wire.PartyIndex, parties wire.PartySet, threshold uint16, sessionID []byte) (Handler, error)

	// KeyShare converts a finished keygen handler result.
	KeyShare(self wire.PartyIndex, parties wire.PartySet, threshold uint16, result interface{}) (*KeyShare, error)

	// Offline starts the offline stage for the given signers.
	Offline(share *KeyShare, signers wire.PartySet, sessionID []byte) (Handler, error)

	// PreSignature converts a finished offline handler result.
	PreSignature(share *KeyShare, result interface{}) (PreSignature, error)
}

// KeyShare is the local key material produced by key generation. Secret is
// engine specific and must only be handed to the secret store.
type KeyShare struct {
	Index     wire.PartyIndex `json:"index"`
	Threshold uint16          `json:"threshold"`
	Parties   wire.PartySet   `json:"parties"`
	PublicKey []byte          `json:"public_key"`
	Secret    []byte          `json:"secret"`
}

// Marshal encodes the share for storage.
func (k *KeyShare) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalKeyShare decodes a share produced by Marshal.
func UnmarshalKeyShare(data []byte) (*KeyShare, error) {
	var k KeyShare
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to decode key share: %w", err)
	}
	if k.Index == 0 || len(k.Secret) == 0 || len(k.PublicKey) == 0 {
		return nil, fmt.Errorf("key share is incomplete")
	}
	return &k, nil
}

// ProtocolError reports an engine failure in a given stage, with the
// offending parties when the engine could attribute it.
type ProtocolError struct {
	Stage    wire.Stage
	Culprits []wire.PartyIndex
	Err      error
}

func (e *ProtocolError) Error() string {
	if len(e.Culprits) > 0 {
		return fmt.Sprintf("protocol error in %s stage (culprits %v): %v", e.Stage, e.Culprits, e.Err)
	}
	return fmt.Sprintf("protocol error in %s stage: %v", e.Stage, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Party returns the first offending party, or 0 when unattributed.
func (e *ProtocolError) Party() wire.PartyIndex {
	if len(e.Culprits) == 0 {
		return 0
	}
	return e.Culprits[0]
}
