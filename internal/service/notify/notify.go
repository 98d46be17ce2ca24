// Package notify fans cache invalidations out to every loader that shares a
// catalog provider.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/splax/heirloom/internal/domain"
)

// Message is the wire form of an invalidation.
type Message struct {
	Path   string `json:"path"`
	Origin string `json:"origin,omitempty"`
}

func encode(origin string, path domain.NodePath) ([]byte, error) {
	return json.Marshal(Message{Path: path.String(), Origin: origin})
}

func decode(payload []byte) (Message, domain.NodePath, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, domain.NodePath{}, fmt.Errorf("decode invalidation: %w", err)
	}
	path, err := domain.ParseNodePath(msg.Path)
	if err != nil {
		return Message{}, domain.NodePath{}, err
	}
	return msg, path, nil
}

// Local delivers invalidations to handlers in the same process.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]func(domain.NodePath)
	next     int
}

// NewLocal returns an in-process notifier without listeners.
func NewLocal() *Local {
	return &Local{handlers: make(map[int]func(domain.NodePath))}
}

// Publish calls every registered handler synchronously.
func (l *Local) Publish(_ context.Context, path domain.NodePath) error {
	l.mu.RLock()
	handlers := make([]func(domain.NodePath), 0, len(l.handlers))
	for _, fn := range l.handlers {
		handlers = append(handlers, fn)
	}
	l.mu.RUnlock()
	for _, fn := range handlers {
		fn(path)
	}
	return nil
}

// Listen registers fn until ctx is done.
func (l *Local) Listen(ctx context.Context, fn func(domain.NodePath)) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.handlers[id] = fn
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.handlers, id)
	l.mu.Unlock()
	return nil
}
