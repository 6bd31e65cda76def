package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc answers one message. The returned value is JSON encoded.
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

// Mux routes messages to handlers by kind.
type Mux struct {
	handlers map[Kind]HandlerFunc
	mu       sync.RWMutex
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]HandlerFunc)}
}

// HandleFunc registers fn for kind, replacing any previous handler.
func (m *Mux) HandleFunc(kind Kind, fn HandlerFunc) {
	m.mu.Lock()
	m.handlers[kind] = fn
	m.mu.Unlock()
}

// Handle registers a typed handler: the payload is decoded into Req and the
// sender's node id is passed alongside.
func Handle[Req, Resp any](m *Mux, kind Kind, fn func(ctx context.Context, from string, req Req) (Resp, error)) {
	m.HandleFunc(kind, func(ctx context.Context, msg Message) (any, error) {
		var req Req
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
		}
		return fn(ctx, msg.From, req)
	})
}

// Dispatch runs the handler for msg.Kind.
func (m *Mux) Dispatch(ctx context.Context, msg Message) (any, error) {
	m.mu.RLock()
	fn, ok := m.handlers[msg.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}
	return fn(ctx, msg)
}

// reply dispatches msg and encodes the outcome.
func (m *Mux) reply(ctx context.Context, msg Message) Reply {
	out, err := m.Dispatch(ctx, msg)
	return encodeReply(out, err)
}
