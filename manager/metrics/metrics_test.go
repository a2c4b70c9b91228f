package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/push-tss-manager/manager/tss/status"
)

func TestCeremonyLifecycle(t *testing.T) {
	m := New()
	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	notify := func(st status.Status) {
		require.NoError(t, m.Notify(ctx, status.Event{Action: status.ActionSign, RoomID: "r", Status: st}))
	}
	notify(status.StatusCreated)
	notify(status.StatusStarted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight.WithLabelValues("sign")))

	clock = clock.Add(3 * time.Second)
	notify(status.StatusFinished)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ceremonies.WithLabelValues("sign", "finished")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight.WithLabelValues("sign")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
	assert.Empty(t, m.started)
}

func TestTerminalWithoutProgress(t *testing.T) {
	m := New()
	require.NoError(t, m.Notify(context.Background(), status.Event{Action: status.ActionKeygen, RoomID: "r", Status: status.StatusTimeout}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ceremonies.WithLabelValues("keygen", "timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight.WithLabelValues("keygen")))
}

func TestRouterDroppedAndHandler(t *testing.T) {
	m := New()
	m.RouterDropped("unknown_stage")
	m.RouterDropped("unknown_stage")
	m.RouterDropped("not_for_us")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues("unknown_stage")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tss_router_dropped_total{reason="unknown_stage"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}
