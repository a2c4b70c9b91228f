package mock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

func envelope(sender wire.PartyIndex, body string) wire.Envelope {
	return wire.Envelope{Sender: sender, Body: json.RawMessage(body)}
}

func next(t *testing.T, r transport.Room) transport.Inbound {
	t.Helper()
	select {
	case item, ok := <-r.Incoming():
		require.True(t, ok, "incoming closed")
		return item
	case <-time.After(time.Second):
		t.Fatal("no message")
		return transport.Inbound{}
	}
}

func TestHubFanOut(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, err := hub.Join(ctx, "room", 1)
	require.NoError(t, err)
	b, err := hub.Join(ctx, "room", 2)
	require.NoError(t, err)
	other, err := hub.Join(ctx, "other", 3)
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, envelope(1, `{"x":1}`)))
	got := next(t, b)
	assert.Equal(t, wire.PartyIndex(1), got.Envelope.Sender)
	assert.JSONEq(t, `{"x":1}`, string(got.Envelope.Body))

	assert.Empty(t, a.Incoming())
	assert.Empty(t, other.Incoming())
	assert.Equal(t, 2, hub.Members("room"))
}

func TestHubReplaysHistory(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, _ := hub.Join(ctx, "room", 1)
	require.NoError(t, a.Send(ctx, envelope(1, `{"n":1}`)))
	hub.InjectError("room", errors.New("bad frame"))
	require.NoError(t, a.Close())

	late, err := hub.Join(ctx, "room", 2)
	require.NoError(t, err)
	assert.Equal(t, wire.PartyIndex(1), next(t, late).Envelope.Sender)
	assert.EqualError(t, next(t, late).Err, "bad frame")

	hub.Reset("room")
	fresh, _ := hub.Join(ctx, "room", 3)
	assert.Empty(t, fresh.Incoming())
}

func TestHubDisconnectAndClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, _ := hub.Join(ctx, "room", 1)
	hub.Disconnect("room", 1)

	_, ok := <-a.Incoming()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(ctx, envelope(1, `{}`)), transport.ErrClosed)
	assert.NoError(t, a.Close())
	assert.Equal(t, 0, hub.Members("room"))
}

func TestHubIntercept(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	hub.Intercept = func(_ string, env wire.Envelope) (wire.Envelope, bool) {
		return env, env.Sender != 9
	}
	a, _ := hub.Join(ctx, "room", 1)
	b, _ := hub.Join(ctx, "room", 2)

	require.NoError(t, a.Send(ctx, envelope(9, `{}`)))
	require.NoError(t, a.Send(ctx, envelope(1, `{}`)))
	assert.Equal(t, wire.PartyIndex(1), next(t, b).Envelope.Sender)
}

func TestRefusingDialer(t *testing.T) {
	d := &RefusingDialer{}
	_, err := d.Join(context.Background(), "room", 1)
	assert.ErrorIs(t, err, ErrRefused)
	assert.Equal(t, 1, d.Calls())
}
