package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LocalNetwork connects in-process nodes. Messages and replies are JSON
// encoded on the way through so handlers see exactly what HTTP would deliver.
// Links fail only when a test cuts them.
type LocalNetwork struct {
	nodes map[string]*Mux
	down  map[string]bool
	cut   map[[2]string]bool
	mu    sync.RWMutex
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[string]*Mux),
		down:  make(map[string]bool),
		cut:   make(map[[2]string]bool),
	}
}

// Register attaches mux at addr.
func (n *LocalNetwork) Register(addr string, mux *Mux) {
	n.mu.Lock()
	n.nodes[addr] = mux
	n.mu.Unlock()
}

// Unregister detaches addr.
func (n *LocalNetwork) Unregister(addr string) {
	n.mu.Lock()
	delete(n.nodes, addr)
	n.mu.Unlock()
}

// Disconnect makes addr unreachable in both directions.
func (n *LocalNetwork) Disconnect(addr string) {
	n.mu.Lock()
	n.down[addr] = true
	n.mu.Unlock()
}

// Reconnect undoes Disconnect.
func (n *LocalNetwork) Reconnect(addr string) {
	n.mu.Lock()
	delete(n.down, addr)
	n.mu.Unlock()
}

// Partition cuts every link between addresses in different groups.
// Addresses not named keep all their links.
func (n *LocalNetwork) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, a := range groups {
		for _, b := range groups[i+1:] {
			for _, x := range a {
				for _, y := range b {
					n.cut[[2]string{x, y}] = true
					n.cut[[2]string{y, x}] = true
				}
			}
		}
	}
}

// Heal restores every link cut by Partition or Disconnect.
func (n *LocalNetwork) Heal() {
	n.mu.Lock()
	n.cut = make(map[[2]string]bool)
	n.down = make(map[string]bool)
	n.mu.Unlock()
}

// Endpoint returns the Transport used by the node at addr.
func (n *LocalNetwork) Endpoint(addr string) Transport {
	return &localEndpoint{net: n, self: addr}
}

func (n *LocalNetwork) route(from, to string) (*Mux, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.linkedLocked(from, to) {
		return nil, false
	}
	mux, ok := n.nodes[to]
	return mux, ok
}

// linked reports whether traffic can flow from one address to another,
// regardless of whether the receiver serves requests.
func (n *LocalNetwork) linked(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.linkedLocked(from, to)
}

func (n *LocalNetwork) linkedLocked(from, to string) bool {
	return !n.down[from] && !n.down[to] && !n.cut[[2]string{from, to}]
}

type localEndpoint struct {
	net  *LocalNetwork
	self string
}

func (e *localEndpoint) Send(ctx context.Context, addr string, msg Message) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mux, ok := e.net.route(e.self, addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	wire, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var delivered Message
	if err := json.Unmarshal(wire, &delivered); err != nil {
		return nil, err
	}

	done := make(chan Reply, 1)
	go func() {
		done <- mux.reply(ctx, delivered)
	}()

	var reply Reply
	select {
	case reply = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// the reply crosses the cut too
	if !e.net.linked(addr, e.self) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	wire, err = json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	var received Reply
	if err := json.Unmarshal(wire, &received); err != nil {
		return nil, err
	}
	return decodeReply(msg.Kind, received)
}
