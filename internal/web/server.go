package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/gibaragibara/nezha-dash-v1/internal/db"
	"github.com/gibaragibara/nezha-dash-v1/internal/live"
	"github.com/gibaragibara/nezha-dash-v1/internal/models"
	"github.com/gibaragibara/nezha-dash-v1/internal/normalize"
	"github.com/gibaragibara/nezha-dash-v1/internal/note"
	"github.com/gibaragibara/nezha-dash-v1/internal/notifier"
	"github.com/gibaragibara/nezha-dash-v1/internal/settings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type StatsSource interface {
	Stats() live.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Hub            *live.Hub
	Sync           StatsSource
	Nodes          *normalize.NodeCache
	Backend        Pinger
	Repo           *db.Repository
	Settings       *settings.Store
	Notify         *notifier.Telegram
	AllowedOrigins []string
}

type Server struct {
	Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: d, log: logger, now: time.Now}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(d.AllowedOrigins) == 0 {
				return true
			}
			if !slices.Contains(d.AllowedOrigins, origin) {
				logger.Warn("websocket origin rejected", "origin", origin)
				return false
			}
			return true
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/live", s.handleLive)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/reconnect", s.handleReconnect)
	mux.HandleFunc("GET /api/servers/{id}/live", s.handleServerLive)
	mux.HandleFunc("GET /api/servers/{id}/records", s.handleServerRecords)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/billing", s.handleBilling)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/test-telegram", s.handleTestTelegram)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("DELETE /api/settings", s.handleResetSettings)
	mux.HandleFunc("PUT /api/settings/telegram", s.handleTelegramSettings)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	return logMiddleware(mux, s.log)
}

type liveResponse struct {
	Connected bool                    `json:"connected"`
	State     live.State              `json:"state"`
	Ready     bool                    `json:"ready"`
	Now       time.Time               `json:"now"`
	UpdatedAt time.Time               `json:"updated_at"`
	Servers   []models.ServerSnapshot `json:"servers"`
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	v := s.Hub.View()
	servers := v.Snapshot.Servers()
	if servers == nil {
		servers = []models.ServerSnapshot{}
	}
	writeJSON(w, liveResponse{
		Connected: v.Connected,
		State:     v.State,
		Ready:     v.Ready,
		Now:       v.Snapshot.Now(),
		UpdatedAt: v.UpdatedAt,
		Servers:   servers,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.Hub.History()
	if strings.EqualFold(r.URL.Query().Get("order"), "asc") {
		slices.Reverse(history)
	}
	if history == nil {
		history = []*models.SnapshotSet{}
	}
	writeJSON(w, history)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v := s.Hub.View()
	resp := map[string]any{
		"state":       v.State,
		"connected":   v.Connected,
		"ready":       v.Ready,
		"failures":    v.Failures,
		"seq":         v.Seq,
		"updated_at":  v.UpdatedAt,
		"servers":     v.Snapshot.Len(),
		"history":     len(v.History),
		"subscribers": s.Hub.Subscribers(),
	}
	if s.Sync != nil {
		resp["stats"] = s.Sync.Stats()
	}
	writeJSON(w, resp)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.Hub.Reconnect()
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"state": s.Hub.State()})
}

func (s *Server) handleServerLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v := s.Hub.View()
	points := live.Series(v.History, id)
	if _, ok := v.Snapshot.Server(id); !ok && len(points) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, points)
}

func (s *Server) handleServerRecords(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hours := 4
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = min(n, 24*31)
	}
	recs, err := s.Repo.RecentRecords(r.Context(), id, s.now().Add(-time.Duration(hours)*time.Hour), 10000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	points := make([]models.ChartPoint, 0, len(recs))
	for _, rec := range recs {
		points = append(points, rec.ChartPoint())
	}
	writeJSON(w, points)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Nodes.Get(r.Context())
	if err != nil {
		if len(nodes) == 0 {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.log.Warn("serving stale node list", "err", err)
	}
	writeJSON(w, nodes)
}

func (s *Server) handleBilling(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, note.Summarize(s.Hub.Latest().Servers(), s.now()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	rng := parseRange(r.URL.Query().Get("range"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := s.Repo.RecentAlerts(r.Context(), s.now().Add(-rng), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	active, err := s.Repo.ActiveAlertCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"active": active, "alerts": alerts})
}

func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	msg := "nezha-dash test alert: Telegram integration is working"
	if err := s.Notify.Send(r.Context(), msg); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, notifier.ErrNotConfigured) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Settings.Load(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg, err := s.Settings.Update(r.Context(), patch)
	var verr *settings.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Fields})
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Settings.Reset(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handleTelegramSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token  string `json:"token"`
		ChatID string `json:"chat_id"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, chatID := strings.TrimSpace(body.Token), strings.TrimSpace(body.ChatID)
	if err := s.Repo.SaveTelegramSettings(r.Context(), token, chatID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Notify.Update(token, chatID)
	writeJSON(w, map[string]any{"enabled": s.Notify.Enabled(), "chat_id": chatID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	if s.Backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.Backend.Ping(ctx); err != nil {
			http.Error(w, "backend not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseRange(v string) time.Duration {
	if v == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
