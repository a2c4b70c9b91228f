// Package wire defines the ceremony envelope, the stage-tagged message
// bodies carried inside it, and the router that splits one inbound envelope
// stream into per-stage streams and merges outbound streams back together.
package wire

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// PartyIndex identifies a participant within a ceremony. It is 1-based.
type PartyIndex uint16

// String renders the index the way the protocol engine names parties.
func (i PartyIndex) String() string {
	return strconv.FormatUint(uint64(i), 10)
}

// ParsePartyIndex is the inverse of PartyIndex.String.
func ParsePartyIndex(s string) (PartyIndex, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid party index %q", s)
	}
	if v == 0 {
		return 0, errors.Errorf("invalid party index %q: indexes start at 1", s)
	}
	return PartyIndex(v), nil
}

// PartySet is an ordered list of participants.
type PartySet []PartyIndex

// Validate checks that every index is non-zero and appears once.
func (s PartySet) Validate() error {
	if len(s) == 0 {
		return errors.New("party set is empty")
	}
	seen := make(map[PartyIndex]struct{}, len(s))
	for _, idx := range s {
		if idx == 0 {
			return errors.New("party index 0 is not allowed")
		}
		if _, dup := seen[idx]; dup {
			return errors.Errorf("duplicate party index %d", idx)
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// Contains reports whether idx is a member of the set.
func (s PartySet) Contains(idx PartyIndex) bool {
	return s.Position(idx) >= 0
}

// Position returns the 0-based position of idx in the set, or -1.
func (s PartySet) Position(idx PartyIndex) int {
	for i, v := range s {
		if v == idx {
			return i
		}
	}
	return -1
}

// Range returns the set {1..count}.
func Range(count uint16) PartySet {
	out := make(PartySet, 0, count)
	for i := uint16(1); i <= count; i++ {
		out = append(out, PartyIndex(i))
	}
	return out
}

// Envelope is the unit of exchange between parties. A nil Receiver means
// the envelope is broadcast to every other party in the room.
type Envelope struct {
	Sender   PartyIndex      `json:"sender"`
	Receiver *PartyIndex     `json:"receiver"`
	Stage    Stage           `json:"stage,omitempty"`
	Body     json.RawMessage `json:"body"`
}

// IsBroadcast reports whether the envelope has no explicit receiver.
func (e Envelope) IsBroadcast() bool {
	return e.Receiver == nil
}

// IsFor reports whether the local party should process the envelope.
// Own envelopes looped back by the relay are never for us.
func (e Envelope) IsFor(self PartyIndex) bool {
	if e.Sender == self {
		return false
	}
	return e.Receiver == nil || *e.Receiver == self
}

// To returns a pointer receiver for idx, for use in Envelope literals.
func To(idx PartyIndex) *PartyIndex {
	return &idx
}
