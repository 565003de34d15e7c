package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gibaragibara/nezha-dash-v1/internal/db"
	"github.com/gibaragibara/nezha-dash-v1/internal/live"
	"github.com/gibaragibara/nezha-dash-v1/internal/models"
	"github.com/gibaragibara/nezha-dash-v1/internal/normalize"
	"github.com/gibaragibara/nezha-dash-v1/internal/notifier"
	"github.com/gibaragibara/nezha-dash-v1/internal/settings"
)

var base = time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

type scriptSource struct {
	mu   sync.Mutex
	next []models.RawPayload
}

func (s *scriptSource) FetchStatus(context.Context) (models.RawPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.next) == 0 {
		return models.RawPayload{}, errors.New("no data")
	}
	p := s.next[0]
	s.next = s.next[1:]
	return p, nil
}

type fetcherFunc func(ctx context.Context) ([]models.NodeInfo, error)

func (f fetcherFunc) FetchNodes(ctx context.Context) ([]models.NodeInfo, error) { return f(ctx) }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type env struct {
	srv         *httptest.Server
	sync        *live.Synchronizer
	hub         *live.Hub
	repo        *db.Repository
	backendDown atomic.Bool
}

func status(sec int, cpu float64, note string) models.RawPayload {
	return models.RawPayload{
		At: base.Add(time.Duration(sec) * time.Second),
		Nodes: []models.RawNode{{Key: "a", Fields: map[string]any{
			"cpu": cpu, "ram": 512.0, "ram_total": 1024.0, "net_total_up": 3.0 * (1 << 30), "net_total_down": 1.0 * (1 << 30),
			"public_remark": note,
		}}},
	}
}

func newEnv(t *testing.T, payloads ...models.RawPayload) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := db.NewRepository(sqldb)

	nodes := normalize.NewNodeCache(fetcherFunc(func(context.Context) ([]models.NodeInfo, error) {
		return []models.NodeInfo{{UUID: "a", Name: "tokyo", Region: "🇯🇵"}}, nil
	}), time.Minute)
	hub := live.NewHub()
	syn := live.NewSynchronizer(&scriptSource{next: payloads}, normalize.New(normalize.KomariSchema, nodes), hub, live.Options{}, logger)

	e := &env{sync: syn, hub: hub, repo: repo}
	s := NewServer(Deps{
		Hub:   hub,
		Sync:  syn,
		Nodes: nodes,
		Backend: pingFunc(func(context.Context) error {
			if e.backendDown.Load() {
				return errors.New("unreachable")
			}
			return nil
		}),
		Repo:     repo,
		Settings: settings.NewStore(repo, logger),
		Notify:   notifier.NewTelegram("", ""),
	}, logger)
	s.now = func() time.Time { return base.Add(time.Minute) }
	e.srv = httptest.NewServer(s.Routes())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return res.StatusCode
}

func TestLiveBeforeFirstSnapshot(t *testing.T) {
	e := newEnv(t)
	var got struct {
		Connected bool                    `json:"connected"`
		State     string                  `json:"state"`
		Ready     bool                    `json:"ready"`
		Servers   []models.ServerSnapshot `json:"servers"`
	}
	if code := e.do(t, http.MethodGet, "/api/live", "", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Ready || got.Connected || got.State != "idle" || got.Servers == nil || len(got.Servers) != 0 {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestLiveHistoryAndSeries(t *testing.T) {
	e := newEnv(t, status(0, 10, ""), status(2, 20, ""))
	ctx := context.Background()
	e.sync.Tick(ctx)
	e.sync.Tick(ctx)

	var got struct {
		State   string                  `json:"state"`
		Ready   bool                    `json:"ready"`
		Servers []models.ServerSnapshot `json:"servers"`
	}
	e.do(t, http.MethodGet, "/api/live", "", &got)
	if !got.Ready || got.State != "streaming" || len(got.Servers) != 1 || got.Servers[0].CPU != 20 {
		t.Fatalf("unexpected live %+v", got)
	}

	var history []struct {
		Now     time.Time               `json:"now"`
		Servers []models.ServerSnapshot `json:"servers"`
	}
	e.do(t, http.MethodGet, "/api/history", "", &history)
	if len(history) != 2 || history[0].Servers[0].CPU != 20 {
		t.Fatalf("history not newest first: %+v", history)
	}
	e.do(t, http.MethodGet, "/api/history?order=asc", "", &history)
	if len(history) != 2 || history[0].Servers[0].CPU != 10 {
		t.Fatalf("history not oldest first: %+v", history)
	}

	var points []models.ChartPoint
	if code := e.do(t, http.MethodGet, "/api/servers/a/live", "", &points); code != http.StatusOK {
		t.Fatalf("series status = %d", code)
	}
	if len(points) != 2 || points[0].CPU != 10 || points[1].Mem != 50 {
		t.Fatalf("unexpected points %+v", points)
	}
	if code := e.do(t, http.MethodGet, "/api/servers/zzz/live", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown server status = %d, want 404", code)
	}

	var st map[string]any
	e.do(t, http.MethodGet, "/api/status", "", &st)
	if st["state"] != "streaming" || st["seq"] == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	stats, _ := st["stats"].(map[string]any)
	if stats["acquisitions"] != float64(2) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestReconnect(t *testing.T) {
	e := newEnv(t, status(0, 10, ""))
	e.sync.Tick(context.Background())
	var got map[string]string
	if code := e.do(t, http.MethodPost, "/api/reconnect", "", &got); code != http.StatusAccepted {
		t.Fatalf("status = %d", code)
	}
	if got["state"] != "connecting" {
		t.Fatalf("state = %q", got["state"])
	}
	if n := len(e.hub.History()); n != 0 {
		t.Fatalf("history after reconnect = %d", n)
	}
	if code := e.do(t, http.MethodGet, "/api/reconnect", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reconnect = %d, want 405", code)
	}
}

func TestServerRecords(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	err := e.repo.InsertRecords(ctx, []models.Record{
		{TS: base.Add(-5 * time.Hour), ServerID: "a", CPU: 1},
		{TS: base.Add(-time.Hour), ServerID: "a", CPU: 2, MemUsed: 1, MemTotal: 4},
		{TS: base, ServerID: "a", CPU: 3},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	var points []models.ChartPoint
	e.do(t, http.MethodGet, "/api/servers/a/records", "", &points)
	if len(points) != 2 || points[0].CPU != 2 || points[0].Mem != 25 {
		t.Fatalf("default window points = %+v", points)
	}
	e.do(t, http.MethodGet, "/api/servers/a/records?hours=24", "", &points)
	if len(points) != 3 {
		t.Fatalf("24h points = %d, want 3", len(points))
	}
	if code := e.do(t, http.MethodGet, "/api/servers/a/records?hours=-1", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad hours status = %d", code)
	}
}

func TestSettingsRoutes(t *testing.T) {
	e := newEnv(t)
	var cfg settings.ThemeConfig
	e.do(t, http.MethodGet, "/api/settings", "", &cfg)
	if cfg != settings.Defaults() {
		t.Fatalf("initial settings = %+v", cfg)
	}
	if code := e.do(t, http.MethodPut, "/api/settings", `{"selectThemeColor":"teal","cardOpacity":55}`, &cfg); code != http.StatusOK {
		t.Fatalf("put status = %d", code)
	}
	if cfg.SelectThemeColor != "teal" || cfg.CardOpacity != 55 || cfg.BackgroundAlignment != "cover,center" {
		t.Fatalf("updated settings = %+v", cfg)
	}
	if code := e.do(t, http.MethodPut, "/api/settings", `{"selectThemeColor":"neon"}`, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid put status = %d, want 422", code)
	}
	if code := e.do(t, http.MethodPut, "/api/settings", `{"unknown":1}`, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", code)
	}
	e.do(t, http.MethodGet, "/api/settings", "", &cfg)
	if cfg.SelectThemeColor != "teal" {
		t.Fatalf("invalid update leaked: %+v", cfg)
	}
	e.do(t, http.MethodDelete, "/api/settings", "", &cfg)
	if cfg != settings.Defaults() {
		t.Fatalf("reset settings = %+v", cfg)
	}
}

func TestBillingAndNodes(t *testing.T) {
	note := `{"billingDataMod":{"endDate":"2026-02-26T12:01:00Z","cycle":"月","amount":"30"},"planDataMod":{"trafficVol":"10GB","trafficType":"sum"}}`
	e := newEnv(t, status(0, 10, note))
	e.sync.Tick(context.Background())

	var sum struct {
		ExpiringSoon     int    `json:"expiring_soon"`
		TrafficRemaining uint64 `json:"traffic_remaining"`
		Servers          []struct {
			ServerID string `json:"server_id"`
			DaysLeft int    `json:"days_left"`
		} `json:"servers"`
	}
	e.do(t, http.MethodGet, "/api/billing", "", &sum)
	if sum.ExpiringSoon != 1 || sum.TrafficRemaining != 6<<30 {
		t.Fatalf("unexpected billing summary %+v", sum)
	}
	if len(sum.Servers) != 1 || sum.Servers[0].ServerID != "a" || sum.Servers[0].DaysLeft != 5 {
		t.Fatalf("unexpected billing servers %+v", sum.Servers)
	}

	var nodes []models.NodeInfo
	e.do(t, http.MethodGet, "/api/nodes", "", &nodes)
	if len(nodes) != 1 || nodes[0].Name != "tokyo" {
		t.Fatalf("nodes = %+v", nodes)
	}
}

func TestAlertsAndTelegram(t *testing.T) {
	e := newEnv(t)
	var got struct {
		Active int        `json:"active"`
		Alerts []db.Alert `json:"alerts"`
	}
	if code := e.do(t, http.MethodGet, "/api/alerts", "", &got); code != http.StatusOK {
		t.Fatalf("alerts status = %d", code)
	}
	if got.Active != 0 || got.Alerts == nil {
		t.Fatalf("unexpected alerts %+v", got)
	}
	if code := e.do(t, http.MethodPost, "/api/alerts/test-telegram", "", nil); code != http.StatusBadRequest {
		t.Fatalf("unconfigured telegram status = %d, want 400", code)
	}
	var tg map[string]any
	if code := e.do(t, http.MethodPut, "/api/settings/telegram", `{"token":"t","chat_id":" 42 "}`, &tg); code != http.StatusOK {
		t.Fatalf("telegram settings status = %d", code)
	}
	if tg["enabled"] != true || tg["chat_id"] != "42" {
		t.Fatalf("telegram settings = %+v", tg)
	}
	token, chat, _ := e.repo.LoadTelegramSettings(context.Background())
	if token != "t" || chat != "42" {
		t.Fatalf("stored telegram = %q %q", token, chat)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t)
	if code := e.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code := e.do(t, http.MethodGet, "/readyz", "", nil); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}
	e.backendDown.Store(true)
	if code := e.do(t, http.MethodGet, "/readyz", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with backend down = %d", code)
	}
}

func TestWebsocketPushesViews(t *testing.T) {
	e := newEnv(t, status(0, 10, ""))
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	type frame struct {
		Seq      uint64 `json:"seq"`
		State    string `json:"state"`
		Snapshot *struct {
			Servers []models.ServerSnapshot `json:"servers"`
		} `json:"snapshot"`
	}
	var first frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if first.Seq != 0 || first.State != "idle" || first.Snapshot != nil {
		t.Fatalf("initial frame = %+v", first)
	}

	e.sync.Tick(context.Background())

	var last frame
	for last.State != "streaming" {
		last = frame{}
		if err := conn.ReadJSON(&last); err != nil {
			t.Fatalf("read frame: %v", err)
		}
	}
	if last.Snapshot == nil || len(last.Snapshot.Servers) != 1 || last.Snapshot.Servers[0].ID != "a" {
		t.Fatalf("unexpected frame %+v", last)
	}
}

func TestWebsocketRejectsOrigin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Deps{Hub: live.NewHub(), AllowedOrigins: []string{"https://dash.example.com"}}, logger)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v", res)
	}
}
