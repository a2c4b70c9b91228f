package node

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/push-tss-manager/manager/config"
	"github.com/pushchain/push-tss-manager/manager/db"
	"github.com/pushchain/push-tss-manager/manager/store"
	"github.com/pushchain/push-tss-manager/manager/tss/ceremony"
	"github.com/pushchain/push-tss-manager/manager/tss/engine/enginetest"
	"github.com/pushchain/push-tss-manager/manager/tss/transport/relay"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := relay.NewServer(relay.ServerConfig{Logger: zerolog.Nop()})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return hs.URL
}

func newTestNode(t *testing.T, relayAddr string) *Node {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{
		NodeHome:               t.TempDir(),
		CeremonyTimeoutSeconds: 10,
		ChainID:                1,
		Transport:              config.TransportRelay,
		RelayAddress:           relayAddr,
		KeysharePassword:       "pw",
	}
	cfg.KeyshareDir = cfg.NodeHome + "/keyshares"

	n, err := New(context.Background(), cfg, Options{
		Engine:   &enginetest.Engine{},
		Database: database,
	}, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func TestNodesRunKeygenOverRelay(t *testing.T) {
	addr := startRelay(t)
	nodes := []*Node{newTestNode(t, addr), newTestNode(t, addr), newTestNode(t, addr)}

	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			coord, err := n.Coordinator("")
			if err != nil {
				errs[i] = err
				return
			}
			share, err := coord.RunKeygen(context.Background(), ceremony.KeygenRequest{
				RoomID:       "node-keygen",
				OwnerID:      "alice",
				KeyID:        "k1",
				Party:        wire.PartyIndex(i + 1),
				Threshold:    2,
				PartiesCount: 3,
			})
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = n.Keys().Store(context.Background(), "alice", "k1", share)
		}(i, n)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "node %d", i+1)
	}

	for i, n := range nodes {
		rec, err := n.Events().GetCeremony("node-keygen", store.KindKeygen)
		require.NoError(t, err, "node %d", i+1)
		assert.Equal(t, "finished", rec.Status)
		assert.Equal(t, "1,2,3", rec.ActiveIndexes)

		keys, err := n.Keys().List("alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"k1"}, keys)
	}
}

func TestCoordinatorsPerRelayAddress(t *testing.T) {
	n := newTestNode(t, "ws://relay-a.test")

	def, err := n.Coordinator("")
	require.NoError(t, err)
	a, err := n.Coordinator("ws://relay-a.test")
	require.NoError(t, err)
	b, err := n.Coordinator("http://relay-b.test")
	require.NoError(t, err)
	again, err := n.Coordinator("http://relay-b.test")
	require.NoError(t, err)

	assert.Same(t, def, a)
	assert.NotSame(t, a, b)
	assert.Same(t, b, again)

	_, err = n.Coordinator("ftp://relay.test")
	assert.Error(t, err)
}

func TestNodeServesRelay(t *testing.T) {
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	home := t.TempDir()
	cfg := &config.Config{
		NodeHome:     home,
		ChainID:      1,
		Transport:    config.TransportRelay,
		RelayAddress: "ws://127.0.0.1:1",
		RelayListen:  "127.0.0.1:0",
		KeyshareDir:  home + "/keyshares",
	}
	n, err := New(context.Background(), cfg, Options{Engine: &enginetest.Engine{}, Database: database}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- n.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestNewMarksInterruptedCeremonies(t *testing.T) {
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Client().Create(&store.Ceremony{
		RoomID: "stale", Kind: store.KindSign, Status: "started",
	}).Error)

	home := t.TempDir()
	cfg := &config.Config{
		NodeHome:     home,
		Transport:    config.TransportRelay,
		RelayAddress: "ws://127.0.0.1:1",
		KeyshareDir:  home + "/keyshares",
	}
	n, err := New(context.Background(), cfg, Options{Engine: &enginetest.Engine{}, Database: database}, zerolog.Nop())
	require.NoError(t, err)

	rec, err := n.Events().GetCeremony("stale", store.KindSign)
	require.NoError(t, err)
	assert.Equal(t, "error", rec.Status)
	assert.Contains(t, rec.ErrorMsg, "interrupted")
}
