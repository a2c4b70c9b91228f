package wire

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Stage discriminates the three message shapes that travel in a ceremony.
type Stage string

const (
	StageKeygen  Stage = "keygen"
	StageOffline Stage = "offline"
	StagePartial Stage = "partial"
)

// Protocol identifier prefixes produced by the engine for round messages.
const (
	KeygenProtocolPrefix  = "cmp/keygen"
	OfflineProtocolPrefix = "cmp/presign"
)

// PartialShareSize is the length of an encoded partial signature scalar.
const PartialShareSize = 32

// decodeOrder is the priority used for envelopes without a stage tag.
// The schemas below are mutually exclusive, so at most one can match.
var decodeOrder = []Stage{StageKeygen, StageOffline, StagePartial}

var (
	// ErrUnknownStage is returned when a body matches none of the stage schemas.
	ErrUnknownStage = errors.New("wire: body matches no stage schema")

	// ErrAmbiguous is returned when an untagged body matches more than one
	// schema. It indicates overlapping schemas and is a programming error.
	ErrAmbiguous = errors.New("wire: body matches more than one stage schema")
)

// RoundMessage is one engine round message, used by both the keygen and the
// offline stage.
type RoundMessage struct {
	SSID                  []byte `json:"ssid"`
	From                  string `json:"from"`
	To                    string `json:"to,omitempty"`
	Protocol              string `json:"protocol"`
	Round                 uint16 `json:"round"`
	Data                  []byte `json:"data"`
	Broadcast             bool   `json:"broadcast"`
	BroadcastVerification []byte `json:"broadcast_verification,omitempty"`
}

// PartialSignature carries one signer's share of the final signature.
type PartialSignature struct {
	Signer PartyIndex `json:"signer"`
	Share  []byte     `json:"share"`
}

// StageMessage is the tagged union of ceremony payloads. Exactly one of
// Round and Partial is set, matching Stage.
type StageMessage struct {
	Stage   Stage
	Round   *RoundMessage
	Partial *PartialSignature
}

// KeygenRound wraps a key generation round message.
func KeygenRound(m *RoundMessage) StageMessage {
	return StageMessage{Stage: StageKeygen, Round: m}
}

// OfflineStageRound wraps an offline stage round message.
func OfflineStageRound(m *RoundMessage) StageMessage {
	return StageMessage{Stage: StageOffline, Round: m}
}

// Partial wraps a partial signature.
func Partial(p *PartialSignature) StageMessage {
	return StageMessage{Stage: StagePartial, Partial: p}
}

func (m StageMessage) validate() error {
	switch m.Stage {
	case StageKeygen:
		return validateRound(m.Round, KeygenProtocolPrefix)
	case StageOffline:
		return validateRound(m.Round, OfflineProtocolPrefix)
	case StagePartial:
		return validatePartial(m.Partial)
	default:
		return errors.Errorf("wire: unknown stage %q", m.Stage)
	}
}

func validateRound(m *RoundMessage, prefix string) error {
	if m == nil {
		return errors.New("wire: round message missing")
	}
	if !strings.HasPrefix(m.Protocol, prefix) {
		return errors.Errorf("wire: protocol %q does not belong to stage (want %s*)", m.Protocol, prefix)
	}
	if m.From == "" {
		return errors.New("wire: round message has no sender")
	}
	if len(m.Data) == 0 {
		return errors.New("wire: round message has no data")
	}
	return nil
}

func validatePartial(p *PartialSignature) error {
	if p == nil {
		return errors.New("wire: partial signature missing")
	}
	if p.Signer == 0 {
		return errors.New("wire: partial signature has no signer")
	}
	if len(p.Share) != PartialShareSize {
		return errors.Errorf("wire: partial signature share is %d bytes, want %d", len(p.Share), PartialShareSize)
	}
	return nil
}

// Encode builds an envelope carrying msg. The stage tag is always set.
func Encode(sender PartyIndex, receiver *PartyIndex, msg StageMessage) (Envelope, error) {
	if err := msg.validate(); err != nil {
		return Envelope{}, err
	}

	var (
		body []byte
		err  error
	)
	if msg.Stage == StagePartial {
		body, err = json.Marshal(msg.Partial)
	} else {
		body, err = json.Marshal(msg.Round)
	}
	if err != nil {
		return Envelope{}, errors.Wrap(err, "wire: marshal body")
	}

	return Envelope{
		Sender:   sender,
		Receiver: receiver,
		Stage:    msg.Stage,
		Body:     body,
	}, nil
}

// Decode interprets the envelope body. The explicit stage tag decides when
// present. Untagged envelopes from older senders are tried against every
// schema in decodeOrder; exactly one must match.
func Decode(env Envelope) (StageMessage, error) {
	if env.Stage != "" {
		return decodeAs(env.Stage, env.Body)
	}

	var (
		found   StageMessage
		matches int
	)
	for _, stage := range decodeOrder {
		msg, err := decodeAs(stage, env.Body)
		if err != nil {
			continue
		}
		if matches == 0 {
			found = msg
		}
		matches++
	}

	switch matches {
	case 0:
		return StageMessage{}, ErrUnknownStage
	case 1:
		return found, nil
	default:
		return StageMessage{}, ErrAmbiguous
	}
}

func decodeAs(stage Stage, body []byte) (StageMessage, error) {
	var msg StageMessage
	switch stage {
	case StageKeygen, StageOffline:
		var round RoundMessage
		if err := strictUnmarshal(body, &round); err != nil {
			return StageMessage{}, err
		}
		msg = StageMessage{Stage: stage, Round: &round}
	case StagePartial:
		var partial PartialSignature
		if err := strictUnmarshal(body, &partial); err != nil {
			return StageMessage{}, err
		}
		msg = Partial(&partial)
	default:
		return StageMessage{}, errors.Wrapf(ErrUnknownStage, "stage %q", stage)
	}

	if err := msg.validate(); err != nil {
		return StageMessage{}, err
	}
	return msg, nil
}

func strictUnmarshal(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "wire: decode body")
	}
	return nil
}
