package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

// StatusSource is the fleet-status view of a Caller. It stamps every status
// payload with the time the response arrived.
type StatusSource struct {
	caller Caller
	now    func() time.Time
}

func NewStatusSource(c Caller) *StatusSource {
	return &StatusSource{caller: c, now: time.Now}
}

func (s *StatusSource) FetchStatus(ctx context.Context) (models.RawPayload, error) {
	raw, err := s.caller.Call(ctx, MethodLatestStatus, nil)
	if err != nil {
		return models.RawPayload{}, err
	}
	at := s.now().UTC()
	nodes, err := DecodeNodes(raw)
	if err != nil {
		return models.RawPayload{}, &TransportError{Method: MethodLatestStatus, Err: err}
	}
	return models.RawPayload{At: at, Nodes: nodes}, nil
}

func (s *StatusSource) FetchNodes(ctx context.Context) ([]models.NodeInfo, error) {
	raw, err := s.caller.Call(ctx, MethodNodes, nil)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	var out []models.NodeInfo
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil, nil
	case trimmed[0] == '{':
		byKey := map[string]models.NodeInfo{}
		if err := json.Unmarshal(trimmed, &byKey); err != nil {
			return nil, &TransportError{Method: MethodNodes, Err: err}
		}
		for key, n := range byKey {
			if n.UUID == "" {
				n.UUID = key
			}
			out = append(out, n)
		}
	default:
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, &TransportError{Method: MethodNodes, Err: err}
		}
	}
	return out, nil
}

func (s *StatusSource) Ping(ctx context.Context) error {
	_, err := s.caller.Call(ctx, MethodVersion, nil)
	return err
}

// DecodeNodes reads a status result in wire order. An object result yields one
// node per member (repeated keys are kept); an array result yields keyless
// nodes. Members that are not objects come back with nil Fields.
func DecodeNodes(data []byte) ([]models.RawNode, error) {
	it := json.BorrowIterator(data)
	defer json.ReturnIterator(it)

	var nodes []models.RawNode
	switch it.WhatIsNext() {
	case jsoniter.NilValue:
		it.ReadNil()
		return nil, nil
	case jsoniter.ObjectValue:
		it.ReadMapCB(func(it *jsoniter.Iterator, key string) bool {
			nodes = append(nodes, models.RawNode{Key: key, Fields: asObject(it.Read())})
			return true
		})
	case jsoniter.ArrayValue:
		it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			nodes = append(nodes, models.RawNode{Fields: asObject(it.Read())})
			return true
		})
	default:
		return nil, fmt.Errorf("status result is neither object nor array")
	}
	if it.Error != nil && it.Error != io.EOF {
		return nil, it.Error
	}
	return nodes, nil
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
