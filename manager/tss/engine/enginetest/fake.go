// Package enginetest provides a deterministic stand-in for the threshold
// ECDSA engine. It exchanges real round messages between parties but does no
// cryptography, so ceremonies complete in milliseconds.
package enginetest

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"

	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

const (
	keygenProtocol  = "cmp/keygen-fake"
	offlineProtocol = "cmp/presign-fake"
)

// Engine is a fake engine.Engine.
type Engine struct {
	// Rounds is the number of broadcast rounds per stage (default 3).
	Rounds int

	// RejectFrom makes every handler abort when a message from this party
	// arrives, blaming it.
	RejectFrom wire.PartyIndex

	// CorruptShareOf makes this party emit an invalid partial signature.
	CorruptShareOf wire.PartyIndex
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) rounds() int {
	if e.Rounds <= 0 {
		return 3
	}
	return e.Rounds
}

// Keygen implements engine.Engine.
func (e *Engine) Keygen(self wire.PartyIndex, parties wire.PartySet, threshold uint16, sessionID []byte) (engine.Handler, error) {
	if err := parties.Validate(); err != nil {
		return nil, err
	}
	if threshold < 1 || int(threshold) > len(parties) {
		return nil, fmt.Errorf("threshold %d out of range for %d parties", threshold, len(parties))
	}
	return newHandler(keygenProtocol, self, parties, sessionID, e.rounds(), e.RejectFrom), nil
}

// KeyShare implements engine.Engine.
func (e *Engine) KeyShare(self wire.PartyIndex, parties wire.PartySet, threshold uint16, result interface{}) (*engine.KeyShare, error) {
	sid, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected keygen result %T", result)
	}
	digest := sha256.Sum256(append([]byte("public/"), sid...))
	pub := append([]byte{0x02}, digest[:]...)
	return &engine.KeyShare{
		Index:     self,
		Threshold: threshold,
		Parties:   append(wire.PartySet(nil), parties...),
		PublicKey: pub,
		Secret:    []byte(fmt.Sprintf("fake-secret-%d", self)),
	}, nil
}

// Offline implements engine.Engine.
func (e *Engine) Offline(share *engine.KeyShare, signers wire.PartySet, sessionID []byte) (engine.Handler, error) {
	if err := signers.Validate(); err != nil {
		return nil, err
	}
	return newHandler(offlineProtocol, share.Index, signers, sessionID, e.rounds(), e.RejectFrom), nil
}

// PreSignature implements engine.Engine.
func (e *Engine) PreSignature(share *engine.KeyShare, result interface{}) (engine.PreSignature, error) {
	sid, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected offline result %T", result)
	}
	return &preSignature{self: share.Index, sid: sid, corrupt: e.CorruptShareOf}, nil
}

type handler struct {
	protocol string
	self     wire.PartyIndex
	parties  wire.PartySet
	sid      []byte
	rounds   int
	reject   wire.PartyIndex

	mu       sync.Mutex
	current  int
	received map[int]map[wire.PartyIndex]struct{}
	out      chan *protocol.Message
	closed   bool
	result   interface{}
	err      error
}

func newHandler(proto string, self wire.PartyIndex, parties wire.PartySet, sid []byte, rounds int, reject wire.PartyIndex) *handler {
	h := &handler{
		protocol: proto,
		self:     self,
		parties:  parties,
		sid:      append([]byte(nil), sid...),
		rounds:   rounds,
		reject:   reject,
		current:  1,
		received: make(map[int]map[wire.PartyIndex]struct{}),
		out:      make(chan *protocol.Message, rounds+1),
	}
	h.emit(1)
	return h
}

func (h *handler) emit(round int) {
	h.out <- &protocol.Message{
		SSID:      h.sid,
		From:      party.ID(h.self.String()),
		Protocol:  h.protocol,
		Data:      []byte{byte(round), byte(h.self)},
		Broadcast: true,
	}
}

func (h *handler) Listen() <-chan *protocol.Message {
	return h.out
}

func (h *handler) CanAccept(msg *protocol.Message) bool {
	if msg == nil || msg.Protocol != h.protocol || !bytes.Equal(msg.SSID, h.sid) || len(msg.Data) < 1 {
		return false
	}
	from, err := wire.ParsePartyIndex(string(msg.From))
	if err != nil || from == h.self || !h.parties.Contains(from) {
		return false
	}
	round := int(msg.Data[0])
	return round >= 1 && round <= h.rounds
}

func (h *handler) Accept(msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.CanAccept(msg) {
		return
	}
	from, _ := wire.ParsePartyIndex(string(msg.From))
	if h.reject != 0 && from == h.reject {
		h.finish(nil, &protocol.Error{
			Culprits: []party.ID{msg.From},
			Err:      errors.New("inconsistent commitment"),
		})
		return
	}

	round := int(msg.Data[0])
	if h.received[round] == nil {
		h.received[round] = make(map[wire.PartyIndex]struct{})
	}
	h.received[round][from] = struct{}{}

	for len(h.received[h.current]) == len(h.parties)-1 {
		if h.current == h.rounds {
			h.finish(h.sid, nil)
			return
		}
		h.current++
		h.emit(h.current)
	}
}

func (h *handler) finish(result interface{}, err error) {
	h.result = result
	h.err = err
	h.closed = true
	close(h.out)
}

func (h *handler) Result() (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		return nil, errors.New("protocol not finished")
	}
	return h.result, h.err
}

func (h *handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.finish(nil, errors.New("stopped"))
	}
}

type preSignature struct {
	self    wire.PartyIndex
	sid     []byte
	corrupt wire.PartyIndex
}

func shareOf(idx wire.PartyIndex, sid, hash []byte) []byte {
	digest := sha256.Sum256(bytes.Join([][]byte{sid, hash, []byte(idx.String())}, []byte{'/'}))
	return digest[:]
}

func (p *preSignature) Share(hash []byte) ([]byte, error) {
	if p.corrupt == p.self {
		return bytes.Repeat([]byte{0xee}, wire.PartialShareSize), nil
	}
	return shareOf(p.self, p.sid, hash), nil
}

func (p *preSignature) Combine(shares map[wire.PartyIndex][]byte, hash []byte) (signature.Result, error) {
	var culprits []wire.PartyIndex
	for idx, share := range shares {
		if !bytes.Equal(share, shareOf(idx, p.sid, hash)) {
			culprits = append(culprits, idx)
		}
	}
	if len(culprits) > 0 {
		return signature.Result{}, &engine.ProtocolError{
			Stage:    wire.StagePartial,
			Culprits: culprits,
			Err:      errors.New("combined signature does not verify"),
		}
	}

	var out signature.Result
	out.R = sha256.Sum256(append([]byte("r/"), hash...))
	out.S = sha256.Sum256(append([]byte("s/"), hash...))
	out.RecoveryID = hash[0] & 1
	return out, nil
}
