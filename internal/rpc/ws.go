package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

const wsWriteWait = 10 * time.Second

var errConnLost = errors.New("connection lost")

type outcome struct {
	res Response
	err error
}

// WSClient multiplexes calls over one persistent socket. Each call owns a
// single correlation id for its whole lifetime; the connection is dialed
// lazily and re-dialed by the next call after it drops.
type WSClient struct {
	url    string
	header http.Header
	window time.Duration
	dialer *websocket.Dialer
	log    *slog.Logger

	seq     atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan outcome
	closed  bool
}

func NewWSClient(url, apiKey string, window time.Duration, logger *slog.Logger) *WSClient {
	if window <= 0 {
		window = 10 * time.Second
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return &WSClient{
		url:     url,
		header:  header,
		window:  window,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:     logger,
		pending: make(map[uint64]chan outcome),
	}
}

func (c *WSClient) Call(ctx context.Context, method string, params any) (jsoniter.RawMessage, error) {
	res, err := c.call(ctx, method, params)
	return res, wrap(method, err)
}

func (c *WSClient) call(ctx context.Context, method string, params any) (jsoniter.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.window)
	defer cancel()

	conn, err := c.connect(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}

	id := c.seq.Add(1)
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	body, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = conn.WriteMessage(websocket.TextMessage, body)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return nil, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.res.result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, res, err := c.dialer.DialContext(ctx, c.url, c.header)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.log.Info("rpc socket connected", "url", c.url)
	go c.readLoop(conn)
	return conn, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			c.log.Debug("discard undecodable frame", "err", err)
			continue
		}
		if res.ID == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*res.ID]
		delete(c.pending, *res.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("discard response for unknown id", "id", *res.ID)
			continue
		}
		ch <- outcome{res: res}
	}
}

func (c *WSClient) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// drop tears conn down and fails every pending call. It is a no-op when conn
// has already been replaced.
func (c *WSClient) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]chan outcome)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	err := errConnLost
	if closed {
		err = ErrClosed
	}
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	if !closed {
		c.log.Warn("rpc socket dropped", "err", cause)
	}
}

func (c *WSClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn, ErrClosed)
	}
	return nil
}
