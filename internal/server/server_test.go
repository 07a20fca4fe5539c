package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/stats"
)

type fakeSource struct {
	recorder *stats.Recorder
	down     atomic.Bool
}

func (f *fakeSource) ShuttingDown() bool { return f.down.Load() }
func (f *fakeSource) Stats() stats.Snapshot { return f.recorder.Snapshot() }

func newTestServer() (*Server, *fakeSource) {
	src := &fakeSource{recorder: stats.New()}
	return New(src, zap.NewNop(), src.recorder.Registry()), src
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ReadyzFlipsOnShutdown(t *testing.T) {
	t.Parallel()

	srv, src := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	src.down.Store(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StatsReturnsSnapshot(t *testing.T) {
	t.Parallel()

	srv, src := newTestServer()
	src.recorder.Submitted()
	src.recorder.AttemptStarted()
	src.recorder.AttemptFinished(200 * time.Millisecond)
	src.recorder.Finished(fetch.KindSuccess, time.Second)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(1), snap.Submitted)
	require.Equal(t, int64(1), snap.Succeeded)
	require.Equal(t, uint64(1), snap.AttemptDuration.Count)
}

func TestServer_MetricsMergesRegistries(t *testing.T) {
	t.Parallel()

	extra := prometheus.NewRegistry()
	extraCounter := prometheus.NewCounter(prometheus.CounterOpts{Name: "server_test_extra_total", Help: "extra"})
	extra.MustRegister(extraCounter)
	extraCounter.Inc()

	src := &fakeSource{recorder: stats.New()}
	srv := New(src, nil, src.recorder.Registry(), extra)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "fetchgate_requests_submitted_total")
	require.Contains(t, body, "server_test_extra_total 1")
}

func TestServer_ServeListenerStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
