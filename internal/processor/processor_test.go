package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/models"
)

// testConfig points Kafka at a closed port so nothing leaves the machine.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Kafka.Brokers = []string{"127.0.0.1:1"}
	cfg.Table = config.TableConfig{InMemory: true}
	cfg.Emitter.PublishTimeout = 200 * time.Millisecond
	return cfg
}

func newTestProcessor(t *testing.T) (*Processor, *httptest.Server) {
	t.Helper()
	p := New(testConfig())
	require.NoError(t, p.init(context.Background()))
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		srv.Close()
		p.close()
	})
	return p, srv
}

func postAlert(t *testing.T, srv *httptest.Server, key string, count int64) map[string]interface{} {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"key": key, "errorCount": count})
	resp, err := http.Post(srv.URL+"/api/alert", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getStatus(t *testing.T, srv *httptest.Server, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

const syntheticKey = "property_1;tenant_0;type_error;interface_api"

func TestReadyWaitsForRecovery(t *testing.T) {
	p, srv := newTestProcessor(t)

	code, _ := getStatus(t, srv, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	p.store.MarkReady()
	code, body := getStatus(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "table", body["mode"])
}

func TestClassifiesAgainstRecoveredTable(t *testing.T) {
	p, srv := newTestProcessor(t)
	ctx := context.Background()

	d := models.HashKey(syntheticKey)
	p.filter.Add(d)
	require.NoError(t, p.store.Put(ctx, models.ThresholdRecord{Digest: d, Threshold: 50, BreachCount: 1}, models.LogPosition{}))
	p.store.MarkReady()

	out := postAlert(t, srv, syntheticKey, 75)
	assert.Equal(t, "alert_triggered", out["status"])
	assert.Equal(t, float64(50), out["threshold"])
	assert.Equal(t, float64(1), out["alertTimes"])

	out = postAlert(t, srv, syntheticKey, 30)
	assert.Equal(t, "below_threshold", out["status"])

	out = postAlert(t, srv, "unknown;tenant;type;iface", 1000)
	assert.Equal(t, "no_threshold", out["status"])
	assert.False(t, p.engine.Degraded())
}

func TestTestModeServesSyntheticThresholds(t *testing.T) {
	p, srv := newTestProcessor(t)

	resp, err := http.Post(srv.URL+"/api/test-mode", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := getStatus(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "fallback", body["mode"])

	out := postAlert(t, srv, syntheticKey, 1000)
	assert.Equal(t, "alert_triggered", out["status"])
	assert.True(t, p.engine.Degraded())
}

func TestLookupBeforeRecoveryFallsBack(t *testing.T) {
	p, srv := newTestProcessor(t)

	// applied by ingest but the table has not caught up yet
	d := models.HashKey(syntheticKey)
	p.filter.Add(d)
	require.NoError(t, p.store.Put(context.Background(), models.ThresholdRecord{Digest: d, Threshold: 10}, models.LogPosition{}))

	out := postAlert(t, srv, syntheticKey, 5)
	// answered from synthetic thresholds, all of which are >= 40
	assert.Equal(t, "below_threshold", out["status"])
	assert.True(t, p.engine.Degraded())

	code, _ := getStatus(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthAndStats(t *testing.T) {
	_, srv := newTestProcessor(t)

	code, body := getStatus(t, srv, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.False(t, stats.Ready)
	assert.Equal(t, uint(60000), stats.FilterCapacity)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := New(testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, p.store.Ready())
}
