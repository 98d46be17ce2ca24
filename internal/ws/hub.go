// Package ws streams catalog change events to websocket and SSE clients.
package ws

import (
	"sync"

	"github.com/splax/heirloom/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by tree node. A subscriber of a node
// receives the changes of that node and of every node below it.
type Hub struct {
	clients   map[domain.NodePath]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with the node that changed.
type message struct {
	node    domain.NodePath
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	node   domain.NodePath
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[domain.NodePath]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.node]; !ok {
				h.clients[sub.node] = make(map[Subscriber]struct{})
			}
			h.clients[sub.node][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.node]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.node)
				}
			}
		case msg := <-h.broadcast:
			for _, node := range lineage(msg.node) {
				h.deliver(node, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(node domain.NodePath, payload []byte) {
	clients, ok := h.clients[node]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, node)
	}
}

// lineage returns node followed by its ancestors up to the root.
func lineage(node domain.NodePath) []domain.NodePath {
	out := []domain.NodePath{node}
	for node.Level != domain.LevelRoot {
		node = node.Parent()
		out = append(out, node)
	}
	return out
}

// Register adds a client to a node stream.
func (h *Hub) Register(node domain.NodePath, client Subscriber) {
	select {
	case h.register <- subscription{node: node, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(node domain.NodePath, client Subscriber) {
	select {
	case h.unreg <- subscription{node: node, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the clients of node and of its ancestors.
func (h *Hub) Broadcast(node domain.NodePath, payload []byte) {
	select {
	case h.broadcast <- message{node: node, payload: payload}:
	case <-h.done:
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
