package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/hive/internal/metrics"
)

var (
	// ErrUnreachable is returned when the peer cannot be contacted.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrUnknownKind is returned when the peer has no handler for a message kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Kind names an RPC.
type Kind string

const (
	KindRequestVote      Kind = "request_vote"
	KindAppendEntries    Kind = "append_entries"
	KindHeartbeat        Kind = "heartbeat"
	KindGossip           Kind = "gossip"
	KindJoin             Kind = "join"
	KindJoinVote         Kind = "join_vote"
	KindJoinStatus       Kind = "join_status"
	KindLeave            Kind = "leave"
	KindSubmitTask       Kind = "submit_task"
	KindCancelTask       Kind = "cancel_task"
	KindReport           Kind = "report"
	KindValidationResult Kind = "validation_result"
	KindBlacklist        Kind = "blacklist"
)

// Message is the envelope every node-to-node request travels in.
type Message struct {
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the envelope of every response. Handler errors travel as Code
// and Error so the caller can map them back to sentinels.
type Reply struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Transport delivers a message to the node listening at addr and returns the
// response payload.
type Transport interface {
	Send(ctx context.Context, addr string, msg Message) (json.RawMessage, error)
}

// Call marshals req, sends it as kind and decodes the response into Resp.
func Call[Req, Resp any](ctx context.Context, t Transport, addr, from string, kind Kind, req Req) (Resp, error) {
	var resp Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encode %s: %w", kind, err)
	}
	raw, err := t.Send(ctx, addr, Message{Kind: kind, From: from, Payload: payload})
	if err != nil {
		return resp, err
	}
	if len(raw) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %s response: %w", kind, err)
	}
	return resp, nil
}

// RemoteError is an error returned by the peer's handler.
type RemoteError struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote: %s", e.Kind, e.Message)
}

// Unwrap returns the sentinel registered under the error's code, if any.
func (e *RemoteError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[e.Code]
}

var (
	registryMu sync.RWMutex
	registry   = map[string]error{
		"unknown_kind": ErrUnknownKind,
	}
)

// RegisterError makes err survive the wire: handlers returning an error that
// matches it (errors.Is) produce code, and callers receive a *RemoteError
// that unwraps to err.
func RegisterError(code string, err error) {
	registryMu.Lock()
	registry[code] = err
	registryMu.Unlock()
}

func codeFor(err error) string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for code, sentinel := range registry {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func encodeReply(payload any, err error) Reply {
	if err != nil {
		return Reply{Error: err.Error(), Code: codeFor(err)}
	}
	if payload == nil {
		return Reply{}
	}
	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		return Reply{Error: mErr.Error()}
	}
	return Reply{Payload: raw}
}

func decodeReply(kind Kind, r Reply) (json.RawMessage, error) {
	if r.Error != "" || r.Code != "" {
		return nil, &RemoteError{Kind: kind, Code: r.Code, Message: r.Error}
	}
	return r.Payload, nil
}

// Instrument wraps t so every Send is timed and failures counted.
func Instrument(t Transport, m *metrics.Metrics) Transport {
	return &instrumented{next: t, m: m}
}

type instrumented struct {
	next Transport
	m    *metrics.Metrics
}

func (i *instrumented) Send(ctx context.Context, addr string, msg Message) (json.RawMessage, error) {
	start := time.Now()
	raw, err := i.next.Send(ctx, addr, msg)
	i.m.RPCDuration.WithLabelValues(string(msg.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		i.m.RPCErrors.WithLabelValues(string(msg.Kind)).Inc()
	}
	return raw, err
}
