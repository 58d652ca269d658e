package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/internal/book"
	"bookflow/internal/orders"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/writer"
)

type fakeBookView struct {
	mu        sync.Mutex
	requested []string
}

func (f *fakeBookView) Recompute(instrument string) models.CombinedBookSnapshot {
	f.mu.Lock()
	f.requested = append(f.requested, instrument)
	f.mu.Unlock()
	return models.CombinedBookSnapshot{
		Instrument: instrument,
		Timestamp:  1,
		Bids:       []models.CombinedLevel{},
		Asks:       []models.CombinedLevel{},
	}
}

type harness struct {
	server *Server
	books  *fakeBookView
	hub    *writer.Hub
	router http.Handler
}

func newHarness(t *testing.T, cfg appconfig.ServerConfig) *harness {
	t.Helper()
	registry := book.NewRegistry(nil, "BTCUSDT")
	hub := writer.NewHub(appconfig.HubConfig{SendTimeout: time.Second, QueueSize: 8})
	t.Cleanup(hub.Close)

	books := &fakeBookView{}
	srv := NewServer(cfg, orders.NewService(registry, "BTCUSDT"), books, hub, logger.GetLogger())
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return &harness{server: srv, books: books, hub: hub, router: router}
}

func (h *harness) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                         "0.0.0.0:8080",
		"  :9090  ":                "0.0.0.0:9090",
		"localhost":                "localhost:8080",
		"[::1]:443":                "[::1]:443",
		"::1":                      "[::1]:8080",
		"*:8080":                   "0.0.0.0:8080",
		"http://10.0.0.5:8080":     "10.0.0.5:8080",
		"https://api.example.com/": "api.example.com:8080",
		"tcp://localhost:5050":     "localhost:5050",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{Address: ":9000"})
	if got := h.server.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func TestSubmitListCancelFlow(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{})

	rec := h.do(http.MethodPost, "/api/orders", "alice", `{"side":"BUY","price":"101.1","quantity":"0.3"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created models.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if created.ID == "" || created.Owner != "alice" || created.Instrument != "BTCUSDT" {
		t.Fatalf("unexpected order %+v", created)
	}
	if !created.Price.Equal(decimal.RequireFromString("101.1")) {
		t.Fatalf("price = %s", created.Price)
	}

	rec = h.do(http.MethodGet, "/api/orders/my-orders", "alice", "")
	var mine []models.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &mine); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if rec.Code != http.StatusOK || len(mine) != 1 || mine[0].ID != created.ID {
		t.Fatalf("my-orders = %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(http.MethodGet, "/api/orders/my-orders", "bob", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("bob should see no orders, got %d %s", rec.Code, rec.Body.String())
	}

	if rec = h.do(http.MethodGet, "/api/orders/"+created.ID, "alice", ""); rec.Code != http.StatusOK {
		t.Fatalf("get own order = %d", rec.Code)
	}
	if rec = h.do(http.MethodGet, "/api/orders/"+created.ID, "bob", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get foreign order = %d, want 404", rec.Code)
	}
	if rec = h.do(http.MethodDelete, "/api/orders/"+created.ID, "bob", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel = %d, want 404", rec.Code)
	}
	if rec = h.do(http.MethodDelete, "/api/orders/"+created.ID, "alice", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", rec.Code)
	}
	if rec = h.do(http.MethodDelete, "/api/orders/"+created.ID, "alice", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel = %d, want 404", rec.Code)
	}
}

func TestSubmitRequiresUser(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{})
	rec := h.do(http.MethodPost, "/api/orders", "", `{"side":"BUY","price":"1","quantity":"1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{})
	for _, body := range []string{
		`{"side":"BUY","price":"-1","quantity":"1"}`,
		`{"side":"HOLD","price":"1","quantity":"1"}`,
		`{"side":"SELL","price":"1","quantity":"abc"}`,
		`{"side":"SELL","price":"1","quantity":"1","instrument":"NOPEUSDT"}`,
		`{not json`,
	} {
		if rec := h.do(http.MethodPost, "/api/orders", "alice", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
	rec := h.do(http.MethodGet, "/api/orders/my-orders", "alice", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("rejected orders must not rest, got %s", rec.Body.String())
	}
}

func TestOrderBookEndpointRecomputes(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{})
	rec := h.do(http.MethodGet, "/api/orderbook/btcusdt", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"instrument":"BTCUSDT"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if len(h.books.requested) != 1 || h.books.requested[0] != "BTCUSDT" {
		t.Fatalf("recompute calls = %v", h.books.requested)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{})
	rec := h.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"subscribers":0`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "bookflow_orders_submitted_total") {
		t.Fatalf("metrics = %d", rec.Code)
	}
	rec = h.do(http.MethodGet, "/api/metrics/events", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"metrics"`) {
		t.Fatalf("events = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCheckOrigin(t *testing.T) {
	if checkOrigin(nil) != nil {
		t.Fatal("empty list should defer to the upgrader default")
	}

	check := checkOrigin([]string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/ws/orderbook", nil)
	if !check(req) {
		t.Fatal("request without Origin should pass")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatal("listed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("unlisted origin accepted")
	}

	wildcard := checkOrigin([]string{"*"})
	if !wildcard(req) {
		t.Fatal("wildcard should accept any origin")
	}
}

func TestWebSocketEndpointStreamsSnapshots(t *testing.T) {
	h := newHarness(t, appconfig.ServerConfig{PingInterval: time.Second})
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orderbook?instrument=btcusdt"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.hub.Publish(models.CombinedBookSnapshot{Instrument: "ETHUSDT", Bids: []models.CombinedLevel{}, Asks: []models.CombinedLevel{}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.hub.Publish(models.CombinedBookSnapshot{Instrument: "BTCUSDT", Timestamp: 42, Bids: []models.CombinedLevel{}, Asks: []models.CombinedLevel{}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got models.CombinedBookSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Instrument != "BTCUSDT" || got.Timestamp != 42 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestResourcesEndpoint(t *testing.T) {
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalRSS := processRSSFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		processRSSFn = originalRSS
	})
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	processRSSFn = func(ctx context.Context) (uint64, error) { return 512, nil }

	h := newHarness(t, appconfig.ServerConfig{})
	if rec := h.do(http.MethodGet, "/api/resources", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before sampling = %d, want 503", rec.Code)
	}

	if !h.server.host.sample(context.Background()) {
		t.Fatal("sample failed with stubbed collectors")
	}
	rec := h.do(http.MethodGet, "/api/resources", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got hostSample
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CPUPercent != 42.5 || got.MemoryPct != 50 || got.ProcessRSS != 512 {
		t.Fatalf("unexpected sample %+v", got)
	}

	rec = h.do(http.MethodGet, "/api/metrics/events", "", "")
	if !strings.Contains(rec.Body.String(), "host_cpu_percent") {
		t.Fatalf("sampler metrics not recorded: %s", rec.Body.String())
	}
}
