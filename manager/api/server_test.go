package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/push-tss-manager/manager/db"
	"github.com/pushchain/push-tss-manager/manager/metrics"
	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/eventstore"
	"github.com/pushchain/push-tss-manager/manager/tss/keyshare"
	"github.com/pushchain/push-tss-manager/manager/tss/status"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

type testDeps struct {
	events *eventstore.Store
	keys   *keyshare.FileStore
	server *Server
}

func setupServer(t *testing.T) testDeps {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	events := eventstore.NewStore(database.Client(), zerolog.Nop())
	keys, err := keyshare.NewFileStore(t.TempDir(), "test-password")
	require.NoError(t, err)

	srv := NewServer(zerolog.New(zerolog.NewTestWriter(t)), 0, Options{
		Health:     database.Ping,
		Ceremonies: events,
		Keys:       keys,
		Metrics:    metrics.New().Handler(),
	})
	return testDeps{events: events, keys: keys, server: srv}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	deps := setupServer(t)
	w := get(t, deps.server.Handler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestHandleHealthFailing(t *testing.T) {
	srv := NewServer(zerolog.Nop(), 0, Options{
		Health: func(context.Context) error { return errors.New("database is closed") },
	})
	w := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "UNHEALTHY")
}

func TestCeremonyEndpoints(t *testing.T) {
	deps := setupServer(t)
	ctx := context.Background()
	h := deps.server.Handler()

	require.NoError(t, deps.events.Notify(ctx, status.Event{
		Action: status.ActionKeygen, RoomID: "room-a", OwnerID: "alice", KeyID: "k1",
		Status: status.StatusFinished, ActiveIndexes: []wire.PartyIndex{1, 2, 3},
		Result: status.StringPtr("02abcd"),
	}))
	require.NoError(t, deps.events.Notify(ctx, status.Event{
		Action: status.ActionSign, RoomID: "room-b", OwnerID: "alice", KeyID: "k1",
		Status: status.StatusStarted, ActiveIndexes: []wire.PartyIndex{1, 3},
	}))

	t.Run("by room", func(t *testing.T) {
		w := get(t, h, "/api/v1/ceremonies/room-a")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data []CeremonyView `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "keygen", resp.Data[0].Kind)
		assert.Equal(t, "finished", resp.Data[0].Status)
		assert.Equal(t, []uint16{1, 2, 3}, resp.Data[0].ActiveIndexes)
		assert.Equal(t, "02abcd", resp.Data[0].Result)
	})

	t.Run("unknown room", func(t *testing.T) {
		w := get(t, h, "/api/v1/ceremonies/nope")
		assert.Equal(t, http.StatusNotFound, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Error, "nope")
	})

	t.Run("filter by status", func(t *testing.T) {
		w := get(t, h, "/api/v1/ceremonies?status=started")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data []CeremonyView `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "room-b", resp.Data[0].RoomID)
	})

	t.Run("all", func(t *testing.T) {
		w := get(t, h, "/api/v1/ceremonies")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data []CeremonyView `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Data, 2)
	})

	t.Run("bad limit", func(t *testing.T) {
		for _, limit := range []string{"0", "-1", "abc", "501"} {
			w := get(t, h, "/api/v1/ceremonies?limit="+limit)
			assert.Equal(t, http.StatusBadRequest, w.Code, limit)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ceremonies", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestKeysEndpoint(t *testing.T) {
	deps := setupServer(t)
	share := &engine.KeyShare{Index: 1, Threshold: 2, Parties: []wire.PartyIndex{1, 2, 3}}
	require.NoError(t, deps.keys.Store(context.Background(), "alice", "k2", share))
	require.NoError(t, deps.keys.Store(context.Background(), "alice", "k1", share))

	w := get(t, deps.server.Handler(), "/api/v1/keys/alice")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data KeysView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Data.OwnerID)
	assert.Equal(t, []string{"k1", "k2"}, resp.Data.KeyIDs)

	w = get(t, deps.server.Handler(), "/api/v1/keys/bob")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data.KeyIDs)
}

func TestMetricsEndpoint(t *testing.T) {
	deps := setupServer(t)
	w := get(t, deps.server.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestUnconfiguredStores(t *testing.T) {
	srv := NewServer(zerolog.Nop(), 0, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/api/v1/ceremonies").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/api/v1/ceremonies/r").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/api/v1/keys/alice").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/metrics").Code)
}

type pingRoute struct{}

func (pingRoute) Register(r *mux.Router) {
	r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
}

func TestExtraRoutes(t *testing.T) {
	srv := NewServer(zerolog.Nop(), 0, Options{Extra: []RouteRegistrar{pingRoute{}}})
	w := get(t, srv.Handler(), "/ping")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestStartStop(t *testing.T) {
	srv := NewServer(zerolog.Nop(), 0, Options{})
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(context.Background()))
}
