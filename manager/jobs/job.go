// Package jobs consumes ceremony jobs from an AMQP queue and runs them.
package jobs

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Job actions accepted on the listen queue.
const (
	ActionKeygenStart = "keygen_start"
	ActionKeygenJoin  = "keygen_join"
	ActionSignStart   = "sign_start"
	ActionSignApprove = "sign_approve"
)

var (
	// ErrMalformedJob is returned for bodies that are not a job object.
	ErrMalformedJob = errors.New("malformed job")

	// ErrUnknownAction is returned for jobs with an unsupported action.
	ErrUnknownAction = errors.New("unknown job action")
)

// Envelope is the common part of every job message.
type Envelope struct {
	Action string `json:"action"`
}

// KeygenParams are the parameters of keygen_start and keygen_join.
type KeygenParams struct {
	UserID                string `json:"user_id"`
	KeyID                 string `json:"key_id"`
	RoomID                string `json:"room_id"`
	RelayAddress          string `json:"relay_address,omitempty"`
	ParticipantIndex      uint16 `json:"participant_index"`
	ParticipantsCount     uint16 `json:"participants_count"`
	ParticipantsThreshold uint16 `json:"participants_threshold"`
	TimeoutSeconds        uint64 `json:"timeout_seconds,omitempty"`
}

// SignParams are the parameters of sign_start and sign_approve. Data is the
// hex encoded 32-byte message hash.
type SignParams struct {
	UserID              string   `json:"user_id"`
	KeyID               string   `json:"key_id"`
	RoomID              string   `json:"room_id"`
	Data                string   `json:"data"`
	ParticipantsIndexes []uint16 `json:"participants_indexes"`
	RelayAddress        string   `json:"relay_address,omitempty"`
	TimeoutSeconds      uint64   `json:"timeout_seconds,omitempty"`
	ChainID             uint64   `json:"chain_id,omitempty"`
}

func parseAction(body []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", errors.Wrap(ErrMalformedJob, err.Error())
	}
	if env.Action == "" {
		return "", errors.Wrap(ErrMalformedJob, "missing action")
	}
	return env.Action, nil
}

func parseKeygen(body []byte) (KeygenParams, error) {
	var p KeygenParams
	if err := json.Unmarshal(body, &p); err != nil {
		return KeygenParams{}, errors.Wrap(ErrMalformedJob, err.Error())
	}
	if p.UserID == "" || p.KeyID == "" || p.RoomID == "" {
		return KeygenParams{}, errors.Wrap(ErrMalformedJob, "user_id, key_id and room_id are required")
	}
	return p, nil
}

func parseSign(body []byte) (SignParams, error) {
	var p SignParams
	if err := json.Unmarshal(body, &p); err != nil {
		return SignParams{}, errors.Wrap(ErrMalformedJob, err.Error())
	}
	if p.UserID == "" || p.KeyID == "" || p.RoomID == "" {
		return SignParams{}, errors.Wrap(ErrMalformedJob, "user_id, key_id and room_id are required")
	}
	return p, nil
}

// Hash decodes Data. A 0x prefix is accepted.
func (p SignParams) Hash() ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(p.Data, "0x"))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedJob, "data is not hex")
	}
	return raw, nil
}

// Participants converts the participant indexes.
func (p SignParams) Participants() wire.PartySet {
	out := make(wire.PartySet, 0, len(p.ParticipantsIndexes))
	for _, i := range p.ParticipantsIndexes {
		out = append(out, wire.PartyIndex(i))
	}
	return out
}

func timeoutOf(seconds uint64) time.Duration {
	return time.Duration(seconds) * time.Second
}
