package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleKeygenRound() *RoundMessage {
	return &RoundMessage{
		SSID:      []byte("ssid-keygen"),
		From:      "1",
		Protocol:  "cmp/keygen-threshold",
		Round:     2,
		Data:      []byte{0x01, 0x02, 0x03},
		Broadcast: true,
	}
}

func sampleOfflineRound() *RoundMessage {
	return &RoundMessage{
		SSID:                  []byte("ssid-presign"),
		From:                  "2",
		To:                    "1",
		Protocol:              "cmp/presign-offline",
		Round:                 3,
		Data:                  []byte{0xaa, 0xbb},
		BroadcastVerification: []byte{0x09},
	}
}

func samplePartial() *PartialSignature {
	return &PartialSignature{Signer: 2, Share: bytes.Repeat([]byte{0x42}, PartialShareSize)}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  StageMessage
	}{
		{name: "keygen round", msg: KeygenRound(sampleKeygenRound())},
		{name: "offline round", msg: OfflineStageRound(sampleOfflineRound())},
		{name: "partial signature", msg: Partial(samplePartial())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Encode(3, nil, tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Stage, env.Stage)

			// through the wire
			raw, err := json.Marshal(env)
			require.NoError(t, err)
			var got Envelope
			require.NoError(t, json.Unmarshal(raw, &got))

			decoded, err := Decode(got)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)

			// untagged senders take the compatibility path
			got.Stage = ""
			decoded, err = Decode(got)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env, err := Encode(1, To(2), Partial(samplePartial()))
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.JSONEq(t, `1`, string(fields["sender"]))
	assert.JSONEq(t, `2`, string(fields["receiver"]))
	assert.JSONEq(t, `"partial"`, string(fields["stage"]))

	broadcast, err := Encode(1, nil, Partial(samplePartial()))
	require.NoError(t, err)
	raw, err = json.Marshal(broadcast)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.JSONEq(t, `null`, string(fields["receiver"]))
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name   string
		msg    StageMessage
		errMsg string
	}{
		{
			name:   "keygen stage with presign protocol",
			msg:    KeygenRound(sampleOfflineRound()),
			errMsg: "does not belong to stage",
		},
		{
			name:   "short partial share",
			msg:    Partial(&PartialSignature{Signer: 1, Share: []byte{1}}),
			errMsg: "want 32",
		},
		{
			name:   "partial without signer",
			msg:    Partial(&PartialSignature{Share: make([]byte, PartialShareSize)}),
			errMsg: "no signer",
		},
		{
			name:   "missing round",
			msg:    StageMessage{Stage: StageOffline},
			errMsg: "round message missing",
		},
		{
			name:   "unknown stage",
			msg:    StageMessage{Stage: "refresh"},
			errMsg: "unknown stage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(1, nil, tt.msg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDecodeUnknownBodies(t *testing.T) {
	tests := []struct {
		name  string
		env   Envelope
		isErr error
	}{
		{
			name:  "foreign json object",
			env:   Envelope{Sender: 2, Body: json.RawMessage(`{"hello":"world"}`)},
			isErr: ErrUnknownStage,
		},
		{
			name:  "not json",
			env:   Envelope{Sender: 2, Body: json.RawMessage(`garbage`)},
			isErr: ErrUnknownStage,
		},
		{
			name:  "round message from unknown protocol",
			env:   Envelope{Sender: 2, Body: json.RawMessage(`{"from":"2","protocol":"frost/sign","round":1,"data":"AQ=="}`)},
			isErr: ErrUnknownStage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.env)
			assert.ErrorIs(t, err, tt.isErr)
		})
	}
}

func TestDecodeTaggedMismatch(t *testing.T) {
	env, err := Encode(2, nil, Partial(samplePartial()))
	require.NoError(t, err)

	env.Stage = StageOffline
	_, err = Decode(env)
	require.Error(t, err)
}

func TestPartySet(t *testing.T) {
	assert.NoError(t, PartySet{1, 2, 3}.Validate())
	assert.Error(t, PartySet{}.Validate())
	assert.Error(t, PartySet{1, 0}.Validate())
	assert.Error(t, PartySet{1, 2, 1}.Validate())

	set := PartySet{3, 1}
	assert.True(t, set.Contains(1))
	assert.False(t, set.Contains(2))
	assert.Equal(t, 1, set.Position(1))
	assert.Equal(t, -1, set.Position(2))
	assert.Equal(t, PartySet{1, 2, 3}, Range(3))

	idx, err := ParsePartyIndex("7")
	require.NoError(t, err)
	assert.Equal(t, PartyIndex(7), idx)
	assert.Equal(t, "7", idx.String())
	_, err = ParsePartyIndex("0")
	assert.Error(t, err)
	_, err = ParsePartyIndex("70000")
	assert.Error(t, err)
}

func TestPartyIndexErrorsCarryStack(t *testing.T) {
	_, err := ParsePartyIndex("alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, strconv.ErrSyntax))
	assert.Contains(t, fmt.Sprintf("%+v", err), "wire.ParsePartyIndex")

	err = PartySet{1, 1}.Validate()
	require.Error(t, err)
	assert.Contains(t, fmt.Sprintf("%+v", err), "wire.PartySet.Validate")
}

func TestEnvelopeIsFor(t *testing.T) {
	assert.True(t, Envelope{Sender: 2}.IsFor(1))
	assert.False(t, Envelope{Sender: 1}.IsFor(1))
	assert.True(t, Envelope{Sender: 2, Receiver: To(1)}.IsFor(1))
	assert.False(t, Envelope{Sender: 2, Receiver: To(3)}.IsFor(1))
}
