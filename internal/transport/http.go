package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dreamware/hive/internal/cluster"
)

// HTTPTransport posts messages to {addr}/rpc/{kind}.
type HTTPTransport struct{}

// NewHTTPTransport returns the production transport.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, addr string, msg Message) (json.RawMessage, error) {
	url := strings.TrimRight(addr, "/") + "/rpc/" + string(msg.Kind)
	var reply Reply
	if err := cluster.PostJSON(ctx, url, msg, &reply); err != nil {
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return decodeReply(msg.Kind, reply)
}

// ServeHTTP answers POST /rpc/{kind}. It is meant to be mounted on a chi
// router so the kind URL parameter is populated.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if kind := chi.URLParam(r, "kind"); kind != "" {
		msg.Kind = Kind(kind)
	}

	m.mu.RLock()
	_, ok := m.handlers[msg.Kind]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown kind "+string(msg.Kind), http.StatusNotFound)
		return
	}

	reply := m.reply(r.Context(), msg)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

// Routes mounts the mux under /rpc/{kind} on a fresh chi router.
func (m *Mux) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/rpc/{kind}", m.ServeHTTP)
	return r
}
