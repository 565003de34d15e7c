package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

type HTTPClient struct {
	url    string
	apiKey string
	http   *http.Client
	seq    atomic.Uint64
}

func NewHTTPClient(url, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{url: url, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Call(ctx context.Context, method string, params any) (jsoniter.RawMessage, error) {
	res, err := c.do(ctx, newRequest(c.seq.Add(1), method, params))
	return res, wrap(method, err)
}

func (c *HTTPClient) do(ctx context.Context, rq Request) (jsoniter.RawMessage, error) {
	body, err := json.Marshal(rq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, msg)
	}
	var out Response
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.result()
}

func isTimeout(err error) bool {
	te, ok := err.(interface{ Timeout() bool })
	return ok && te.Timeout()
}
