package loadtest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CapStatsServer/internal/httpserver"
	"CapStatsServer/internal/session"
	"CapStatsServer/internal/stats"
)

func newStatsServer(t *testing.T) (*httptest.Server, *stats.Tracker) {
	t.Helper()
	dir := t.TempDir()
	repo, err := stats.NewJSONRepository(filepath.Join(dir, "players.json"), filepath.Join(dir, "cases.json"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	tracker := stats.NewTracker(session.NewTable(), stats.NewAggregator(repo))
	api := httpserver.NewAPIServer(httpserver.Options{Addr: ":0"}, httpserver.Deps{Tracker: tracker})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, tracker
}

func TestRunnerFixedSessions(t *testing.T) {
	srv, tracker := newStatsServer(t)

	cfg := DefaultConfig(srv.URL)
	cfg.Clients = 3
	cfg.Duration = 0
	cfg.SessionsPerClient = 5
	cfg.Users = 4
	cfg.Cases = []string{"c1", "c2"}

	res, err := NewRunner(cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(15), res.SessionsStarted)
	assert.Equal(t, int64(15), res.SessionsEnded)
	assert.Zero(t, res.FailedRequests)
	assert.Equal(t, 0, tracker.Table().Len(), "所有会话都应已结束")

	require.Contains(t, res.Endpoints, "/events/start")
	require.Contains(t, res.Endpoints, "/events/end")
	assert.Equal(t, int64(15), res.Endpoints["/events/end"].StatusCodes[http.StatusOK])
	assert.LessOrEqual(t, res.Endpoints["/events/end"].P50Latency, res.Endpoints["/events/end"].MaxLatency)

	cases, err := tracker.Aggregator().Repository().Cases(context.Background())
	require.NoError(t, err)
	var plays int64
	for _, c := range cases {
		plays += c.PlayCount
		assert.True(t, c.Consistent())
	}
	assert.Equal(t, int64(15), plays)

	t.Logf("✅ 负载测试: %.1f sessions/s, p95(end)=%.2fms", res.SessionsPerSecond, res.Endpoints["/events/end"].P95Latency)
}

func TestRunnerStopsAtDuration(t *testing.T) {
	srv, _ := newStatsServer(t)

	cfg := DefaultConfig(srv.URL)
	cfg.Clients = 2
	cfg.Duration = 200 * time.Millisecond

	start := time.Now()
	res, err := NewRunner(cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Positive(t, res.SessionsStarted)
	assert.Equal(t, res.SessionsStarted, res.SessionsEnded)
}

func TestRunnerCountsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.Clients = 1
	cfg.Duration = 0
	cfg.SessionsPerClient = 3

	res, err := NewRunner(cfg).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.SessionsStarted)
	assert.Equal(t, int64(3), res.FailedRequests)
	assert.Equal(t, int64(3), res.Endpoints["/events/start"].StatusCodes[http.StatusServiceUnavailable])
	assert.NotContains(t, res.Endpoints, "/events/end")
}

func TestConfigValidate(t *testing.T) {
	base := DefaultConfig("http://localhost:8000")
	require.NoError(t, base.Validate())

	bad := base
	bad.Clients = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.Duration = 0
	bad.SessionsPerClient = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.ClearRatio = 1.5
	assert.Error(t, bad.Validate())

	bad = base
	bad.Cases = nil
	assert.Error(t, bad.Validate())
}
