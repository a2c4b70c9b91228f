package engine

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

func partyID(idx wire.PartyIndex) party.ID {
	return party.ID(idx.String())
}

func partyIDs(set wire.PartySet) []party.ID {
	ids := make([]party.ID, len(set))
	for i, idx := range set {
		ids[i] = partyID(idx)
	}
	return ids
}

func partyIndexes(ids []party.ID) []wire.PartyIndex {
	out := make([]wire.PartyIndex, 0, len(ids))
	for _, id := range ids {
		if idx, err := wire.ParsePartyIndex(string(id)); err == nil {
			out = append(out, idx)
		}
	}
	return out
}

// toRound converts an outbound engine message and returns its receiver.
func toRound(msg *protocol.Message) (*wire.RoundMessage, *wire.PartyIndex, error) {
	round := &wire.RoundMessage{
		SSID:                  msg.SSID,
		From:                  string(msg.From),
		To:                    string(msg.To),
		Protocol:              msg.Protocol,
		Round:                 uint16(msg.RoundNumber),
		Data:                  msg.Data,
		Broadcast:             msg.Broadcast,
		BroadcastVerification: msg.BroadcastVerification,
	}
	if msg.Broadcast || msg.To == "" {
		return round, nil, nil
	}
	to, err := wire.ParsePartyIndex(string(msg.To))
	if err != nil {
		return nil, nil, err
	}
	return round, &to, nil
}

// fromRound converts an inbound round message back into the engine's form.
func fromRound(round *wire.RoundMessage) (*protocol.Message, error) {
	msg := &protocol.Message{
		SSID:                  round.SSID,
		From:                  party.ID(round.From),
		To:                    party.ID(round.To),
		Protocol:              round.Protocol,
		Data:                  round.Data,
		Broadcast:             round.Broadcast,
		BroadcastVerification: round.BroadcastVerification,
	}
	if err := setRoundNumber(msg, round.Round); err != nil {
		return nil, err
	}
	return msg, nil
}

// setRoundNumber assigns msg.RoundNumber. Its type is declared in an internal
// package of the engine, so it cannot be named here.
func setRoundNumber(msg *protocol.Message, n uint16) error {
	field := reflect.ValueOf(msg).Elem().FieldByName("RoundNumber")
	if !field.IsValid() || !field.CanSet() {
		return errors.New("engine message has no settable RoundNumber field")
	}
	switch field.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
	default:
		return errors.Errorf("engine round number has unexpected kind %s", field.Kind())
	}
	if field.OverflowUint(uint64(n)) {
		return errors.Errorf("round %d does not fit the engine round number", n)
	}
	field.SetUint(uint64(n))
	return nil
}
