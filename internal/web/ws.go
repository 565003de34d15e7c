package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gibaragibara/nezha-dash-v1/internal/live"
	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type wsFrame struct {
	Seq       uint64                `json:"seq"`
	State     live.State            `json:"state"`
	Connected bool                  `json:"connected"`
	Ready     bool                  `json:"ready"`
	Failures  int                   `json:"failures"`
	UpdatedAt time.Time             `json:"updated_at"`
	Snapshot  *models.SnapshotSet   `json:"snapshot"`
	History   []*models.SnapshotSet `json:"history,omitempty"`
}

func frameOf(v *live.View, withHistory bool) wsFrame {
	f := wsFrame{
		Seq:       v.Seq,
		State:     v.State,
		Connected: v.Connected,
		Ready:     v.Ready,
		Failures:  v.Failures,
		UpdatedAt: v.UpdatedAt,
		Snapshot:  v.Snapshot,
	}
	if withHistory {
		f.History = v.History
	}
	return f
}

// handleWS pushes every published view to the client until either side goes
// away. A slow client only ever sees the latest view.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	withHistory := r.URL.Query().Get("history") == "1"
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	id, views, cancel := s.Hub.Subscribe()
	log := s.log.With("client", id)
	log.Info("client connected", "remote_addr", conn.RemoteAddr().String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(conn)
	}()
	s.writePump(conn, views, done, withHistory)
	cancel()
	_ = conn.Close()
	<-done
	log.Info("client disconnected")
}

// readPump only services control frames; clients have nothing to say.
func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, views <-chan *live.View, done <-chan struct{}, withHistory bool) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if v := s.Hub.View(); v.Seq == 0 {
		if err := s.send(conn, frameOf(v, withHistory)); err != nil {
			return
		}
	}
	for {
		select {
		case <-done:
			return
		case v, ok := <-views:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.send(conn, frameOf(v, withHistory)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, f wsFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
