package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	MethodLatestStatus = "common:getNodesLatestStatus"
	MethodNodes        = "common:getNodes"
	MethodVersion      = "common:getVersion"

	Path = "/api/rpc2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrTimeout = errors.New("rpc: call timed out")
	ErrClosed  = errors.New("rpc: client closed")
)

// Caller issues one JSON-RPC call and returns the raw result member.
type Caller interface {
	Call(ctx context.Context, method string, params any) (jsoniter.RawMessage, error)
}

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type Response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *uint64             `json:"id"`
	Result  jsoniter.RawMessage `json:"result"`
	Error   *Error              `json:"error"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError is the only error kind returned by the clients. Err carries
// the network, status, decode, timeout or remote error that caused it.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func wrap(method string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Method: method, Err: err}
}

func newRequest(id uint64, method string, params any) Request {
	return Request{JSONRPC: "2.0", Method: method, Params: params, ID: id}
}

// result unpacks a decoded envelope into its result or error member.
func (r *Response) result() (jsoniter.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	if len(r.Result) == 0 {
		return nil, errors.New("response has neither result nor error")
	}
	return r.Result, nil
}

// Endpoint turns a backend base URL into the RPC URL for the given scheme
// family: "http" keeps http(s), "ws" maps http to ws and https to wss.
func Endpoint(base, family string) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	if family == "ws" {
		switch {
		case strings.HasPrefix(u, "https://"):
			u = "wss://" + strings.TrimPrefix(u, "https://")
		case strings.HasPrefix(u, "http://"):
			u = "ws://" + strings.TrimPrefix(u, "http://")
		}
	}
	return u + Path
}
