package engine_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/engine/enginetest"
	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

type peer struct {
	index  wire.PartyIndex
	router *wire.Router
	out    chan wire.Envelope
}

func mesh(ctx context.Context, indexes wire.PartySet, stages ...wire.Stage) map[wire.PartyIndex]*peer {
	peers := make(map[wire.PartyIndex]*peer, len(indexes))
	for _, idx := range indexes {
		p := &peer{index: idx, router: wire.NewRouter(idx, zerolog.Nop()), out: make(chan wire.Envelope, 64)}
		for _, stage := range stages {
			p.router.Subscribe(stage, 0)
		}
		peers[idx] = p
	}
	for _, p := range peers {
		go func(p *peer) {
			for {
				select {
				case env := <-p.out:
					for _, other := range peers {
						if other.index != p.index {
							_ = other.router.Dispatch(ctx, env)
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}(p)
	}
	return peers
}

func (p *peer) stream(stage wire.Stage) engine.Stream {
	return engine.Stream{In: p.router.Subscribe(stage, 0), Out: p.out}
}

func runKeygen(t *testing.T, eng engine.Engine, parties wire.PartySet, threshold uint16, timeout time.Duration) map[wire.PartyIndex]*engine.KeyShare {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	peers := mesh(ctx, parties, wire.StageKeygen)
	var (
		mu     sync.Mutex
		shares = make(map[wire.PartyIndex]*engine.KeyShare)
		wg     sync.WaitGroup
	)
	for _, idx := range parties {
		wg.Add(1)
		go func(idx wire.PartyIndex) {
			defer wg.Done()
			d := engine.NewDriver(eng, idx, zerolog.Nop())
			share, err := d.Keygen(ctx, engine.KeygenParams{
				SessionID: []byte("keygen-room"),
				Parties:   parties,
				Threshold: threshold,
			}, peers[idx].stream(wire.StageKeygen))
			assert.NoError(t, err)
			mu.Lock()
			shares[idx] = share
			mu.Unlock()
		}(idx)
	}
	wg.Wait()
	return shares
}

func TestDriverKeygen(t *testing.T) {
	parties := wire.PartySet{1, 2, 3}
	shares := runKeygen(t, &enginetest.Engine{}, parties, 2, 5*time.Second)

	require.Len(t, shares, 3)
	for idx, share := range shares {
		assert.Equal(t, idx, share.Index)
		assert.Equal(t, uint16(2), share.Threshold)
		assert.Equal(t, parties, share.Parties)
		assert.Equal(t, shares[1].PublicKey, share.PublicKey)
	}
}

func TestDriverSign(t *testing.T) {
	eng := &enginetest.Engine{}
	shares := runKeygen(t, eng, wire.PartySet{1, 2, 3}, 2, 5*time.Second)

	signers := wire.PartySet{1, 3}
	hash := sha256.Sum256([]byte("sign me"))
	results := runSign(t, eng, shares, signers, hash[:], 2*time.Second)

	require.Len(t, results, 2)
	for _, idx := range signers {
		require.NoError(t, results[idx].err)
	}
	assert.Equal(t, results[1].res, results[3].res)
}

func TestDriverSignBadPartial(t *testing.T) {
	eng := &enginetest.Engine{CorruptShareOf: 2}
	shares := runKeygen(t, eng, wire.PartySet{1, 2, 3}, 2, 5*time.Second)

	hash := sha256.Sum256([]byte("sign me"))
	results := runSign(t, eng, shares, wire.PartySet{1, 2}, hash[:], 2*time.Second)

	var perr *engine.ProtocolError
	require.True(t, errors.As(results[1].err, &perr))
	assert.Equal(t, wire.StagePartial, perr.Stage)
	assert.Equal(t, wire.PartyIndex(2), perr.Party())
}

func TestDriverOfflineRejection(t *testing.T) {
	shares := runKeygen(t, &enginetest.Engine{}, wire.PartySet{1, 2, 3}, 2, 5*time.Second)

	eng := &enginetest.Engine{RejectFrom: 3}
	hash := sha256.Sum256([]byte("sign me"))
	results := runSign(t, eng, shares, wire.PartySet{1, 2, 3}, hash[:], 2*time.Second)

	for _, idx := range []wire.PartyIndex{1, 2} {
		var perr *engine.ProtocolError
		require.True(t, errors.As(results[idx].err, &perr), "party %d: %v", idx, results[idx].err)
		assert.Equal(t, wire.StageOffline, perr.Stage)
		assert.Equal(t, []wire.PartyIndex{3}, perr.Culprits)
	}
}

func TestDriverHonoursContext(t *testing.T) {
	eng := &enginetest.Engine{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// party 2 never shows up
	peers := mesh(ctx, wire.PartySet{1}, wire.StageKeygen)
	d := engine.NewDriver(eng, 1, zerolog.Nop())
	_, err := d.Keygen(ctx, engine.KeygenParams{
		SessionID: []byte("lonely"),
		Parties:   wire.PartySet{1, 2},
		Threshold: 2,
	}, peers[1].stream(wire.StageKeygen))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type signOutcome struct {
	res signature.Result
	err error
}

func runSign(t *testing.T, eng engine.Engine, shares map[wire.PartyIndex]*engine.KeyShare, signers wire.PartySet, hash []byte, timeout time.Duration) map[wire.PartyIndex]signOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	peers := mesh(ctx, signers, wire.StageOffline, wire.StagePartial)
	var (
		mu      sync.Mutex
		results = make(map[wire.PartyIndex]signOutcome)
		wg      sync.WaitGroup
	)
	for _, idx := range signers {
		wg.Add(1)
		go func(idx wire.PartyIndex) {
			defer wg.Done()
			d := engine.NewDriver(eng, idx, zerolog.Nop())
			res, err := d.Sign(ctx, engine.SignParams{
				SessionID: []byte("sign-room"),
				Share:     shares[idx],
				Signers:   signers,
				Hash:      hash,
			}, peers[idx].stream(wire.StageOffline), peers[idx].stream(wire.StagePartial))
			mu.Lock()
			results[idx] = signOutcome{res: res, err: err}
			mu.Unlock()
		}(idx)
	}
	wg.Wait()
	return results
}
