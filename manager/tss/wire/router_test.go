package wire

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dropCounter struct {
	mu      sync.Mutex
	reasons []string
}

func (d *dropCounter) record(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func (d *dropCounter) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...)
}

func TestRouterDispatch(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(1, zerolog.Nop())
	drops := &dropCounter{}
	router.OnDrop(drops.record)

	offline := router.Subscribe(StageOffline, 4)
	partial := router.Subscribe(StagePartial, 4)

	offlineEnv, err := Encode(2, nil, OfflineStageRound(sampleOfflineRound()))
	require.NoError(t, err)
	partialEnv, err := Encode(3, To(1), Partial(samplePartial()))
	require.NoError(t, err)

	require.NoError(t, router.Dispatch(ctx, offlineEnv))
	require.NoError(t, router.Dispatch(ctx, partialEnv))

	got := <-offline
	assert.Equal(t, PartyIndex(2), got.Sender)
	assert.Equal(t, StageOffline, got.Message.Stage)

	got = <-partial
	assert.Equal(t, PartyIndex(3), got.Sender)
	require.NotNil(t, got.Receiver)
	assert.Equal(t, PartyIndex(1), *got.Receiver)
	assert.Empty(t, drops.all())
}

func TestRouterDropsWithoutFailing(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(1, zerolog.Nop())
	drops := &dropCounter{}
	router.OnDrop(drops.record)
	router.Subscribe(StageOffline, 4)

	malformed := Envelope{Sender: 2, Body: json.RawMessage(`{"unexpected":true}`)}
	err := router.Dispatch(ctx, malformed)
	assert.ErrorIs(t, err, ErrUnknownStage)

	own, err := Encode(1, nil, OfflineStageRound(sampleOfflineRound()))
	require.NoError(t, err)
	assert.NoError(t, router.Dispatch(ctx, own))

	other, err := Encode(2, To(3), OfflineStageRound(sampleOfflineRound()))
	require.NoError(t, err)
	assert.NoError(t, router.Dispatch(ctx, other))

	keygen, err := Encode(2, nil, KeygenRound(sampleKeygenRound()))
	require.NoError(t, err)
	assert.NoError(t, router.Dispatch(ctx, keygen))

	assert.Equal(t, []string{DropUnknownStage, DropSelfSender, DropNotForUs, DropNoSubscriber}, drops.all())
}

func TestRouterBackpressureHonoursContext(t *testing.T) {
	router := NewRouter(1, zerolog.Nop())
	router.Subscribe(StagePartial, 1)

	env, err := Encode(2, nil, Partial(samplePartial()))
	require.NoError(t, err)
	require.NoError(t, router.Dispatch(context.Background(), env))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = router.Dispatch(ctx, env)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeReturnsSameChannel(t *testing.T) {
	router := NewRouter(1, zerolog.Nop())
	a := router.Subscribe(StageKeygen, 0)
	b := router.Subscribe(StageKeygen, 8)
	assert.Equal(t, a, b)
	assert.Equal(t, DefaultStageBuffer, cap(a))
}

func TestMergePreservesPerStreamOrder(t *testing.T) {
	ctx := context.Background()
	first := make(chan Envelope)
	second := make(chan Envelope)

	out := Merge(ctx, first, second)

	go func() {
		for i := 1; i <= 50; i++ {
			first <- Envelope{Sender: 1, Stage: StageOffline, Body: json.RawMessage([]byte{byte('0' + i%10)})}
		}
		close(first)
	}()
	go func() {
		for i := 1; i <= 50; i++ {
			second <- Envelope{Sender: PartyIndex(i), Stage: StagePartial}
		}
		close(second)
	}()

	var lastPartial PartyIndex
	var offline, partial int
	for env := range out {
		switch env.Stage {
		case StageOffline:
			offline++
		case StagePartial:
			partial++
			assert.Greater(t, env.Sender, lastPartial)
			lastPartial = env.Sender
		}
	}
	assert.Equal(t, 50, offline)
	assert.Equal(t, 50, partial)
}

func TestMergeStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Envelope)
	out := Merge(ctx, in)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("merged stream did not close after cancellation")
	}
}
