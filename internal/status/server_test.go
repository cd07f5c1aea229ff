package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"marketfeed/config"
	"marketfeed/internal/cache"
	"marketfeed/internal/metrics"
	"marketfeed/internal/monitor"
	"marketfeed/logger"
	"marketfeed/models"
)

type fakeHealth struct{ overall models.HealthStatus }

func (f fakeHealth) Components() []models.ComponentHealth {
	return []models.ComponentHealth{{Component: "exchange", Status: f.overall}}
}
func (f fakeHealth) Overall() models.HealthStatus { return f.overall }

type fakeSubs struct{}

func (fakeSubs) Subscriptions() []models.Subscription {
	return []models.Subscription{{Name: "ticker.BTCUSDT", Symbol: "BTCUSDT", State: models.Resubscribing, Attempts: 2}}
}
func (fakeSubs) Connected() bool { return true }

type fakeCycles struct{}

func (fakeCycles) Last() monitor.CycleResult {
	return monitor.CycleResult{ID: "cycle-1", Dispatched: 3}
}

func newTestServer(t *testing.T, src Sources) *Server {
	t.Helper()
	srv, err := NewServer(config.StatusConfig{Enabled: true, Address: ":0", LogHistory: 10, MetricsHistory: 10}, logger.GetLogger(), src)
	if err != nil || srv == nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func get(t *testing.T, srv *Server, path string) (int, map[string]any) {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if path != "/metrics" {
		if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
	}
	return res.Code, body
}

func TestDisabledServerIsNil(t *testing.T) {
	srv, err := NewServer(config.StatusConfig{}, logger.GetLogger(), Sources{})
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	if srv.Address() != "" || srv.Run(context.Background()) != nil {
		t.Fatal("nil server should be inert")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, Sources{Health: fakeHealth{overall: models.Warning}, Cycles: fakeCycles{}})
	code, body := get(t, srv, "/api/health")
	if code != http.StatusOK || body["status"] != "warning" {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	if last, _ := body["last_cycle"].(map[string]any); last["id"] != "cycle-1" {
		t.Fatalf("missing last cycle: %v", body)
	}

	critical := newTestServer(t, Sources{Health: fakeHealth{overall: models.Critical}})
	if code, _ := get(t, critical, "/api/health"); code != http.StatusServiceUnavailable {
		t.Fatalf("critical should answer 503, got %d", code)
	}
}

func TestUnwiredSourcesAnswerNotFound(t *testing.T) {
	srv := newTestServer(t, Sources{})
	for _, path := range []string{"/api/health", "/api/subscriptions", "/api/cache", "/api/fetchers", "/api/validation"} {
		if code, _ := get(t, srv, path); code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, code)
		}
	}
}

func TestSubscriptionsAndCacheEndpoints(t *testing.T) {
	c := cache.New(time.Minute, nil)
	c.Set("BTCUSDT", models.KindTicker, &models.Ticker{Last: 1})
	c.Set("ETHUSDT", models.KindTicker, &models.Ticker{Last: 2})
	srv := newTestServer(t, Sources{Subscriptions: fakeSubs{}, Cache: c, Symbols: []string{"BTCUSDT", "ETHUSDT"}})

	_, body := get(t, srv, "/api/subscriptions")
	subs, _ := body["subscriptions"].([]any)
	if len(subs) != 1 || subs[0].(map[string]any)["state"] != "resubscribing" {
		t.Fatalf("unexpected subscriptions %v", body)
	}

	_, body = get(t, srv, "/api/cache?symbol=btcusdt")
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["symbol"] != "BTCUSDT" {
		t.Fatalf("unexpected entries %v", body)
	}
}

func TestMetricsAndLogsEndpoints(t *testing.T) {
	log := logger.GetLogger()
	srv := newTestServer(t, Sources{})

	metrics.EmitMetric(log, "monitor", "snapshots_dispatched", 2, "gauge", nil)
	log.WithComponent("status_test").Warn("captured")

	_, body := get(t, srv, "/api/metrics")
	if list, _ := body["metrics"].([]any); len(list) == 0 {
		t.Fatal("metric not captured")
	}
	_, body = get(t, srv, "/api/logs?component=status_test")
	if list, _ := body["logs"].([]any); len(list) != 1 {
		t.Fatalf("expected one captured log, got %v", body)
	}

	if code, _ := get(t, srv, "/metrics"); code != http.StatusOK {
		t.Fatalf("prometheus endpoint answered %d", code)
	}
}

func TestLogStoreFiltersLevelAndCloses(t *testing.T) {
	store := newLogStore(2, logrus.InfoLevel)
	for _, l := range store.Levels() {
		if l == logrus.DebugLevel {
			t.Fatal("debug entries should not be captured")
		}
	}
	for i := 0; i < 3; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Data = logrus.Fields{"component": "c", "symbol": "BTCUSDT", "index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
	snap := store.snapshot("")
	if len(snap) != 2 || snap[1].Fields["index"] != 2 || snap[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	store.close()
	_ = store.Fire(logrus.NewEntry(logrus.New()))
	if len(store.snapshot("")) != 2 {
		t.Fatal("store accepted entries after close")
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	originalCPU, originalMem, originalDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn = originalCPU, originalMem, originalDisk
	})

	var calls atomic.Int32
	cpuPercentFn = func(context.Context, time.Duration) ([]float64, error) {
		calls.Add(1)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}

	sampler := newResourceSampler(3, 10*time.Millisecond, "/", logger.GetLogger())
	sampler.start(context.Background())
	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("sampler did not collect samples")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()

	snaps := sampler.snapshot()
	if len(snaps) != 3 {
		t.Fatalf("history not bounded: %d", len(snaps))
	}
	if latest := snaps[2]; latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 {
		t.Fatalf("unexpected sample %+v", latest)
	}
	if calls.Load() < 3 {
		t.Fatal("cpu probe not invoked")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                      "0.0.0.0:8080",
		"  :9090  ":             "0.0.0.0:9090",
		"localhost":             "localhost:8080",
		"[::1]:443":             "[::1]:443",
		"::1":                   "[::1]:8080",
		"*:8080":                "0.0.0.0:8080",
		"http://10.0.0.5:8080":  "10.0.0.5:8080",
		"https://status.local/": "status.local:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}
