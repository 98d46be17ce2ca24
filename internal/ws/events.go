package ws

import (
	"encoding/json"
	"time"

	"github.com/splax/heirloom/internal/domain"
	"github.com/splax/heirloom/internal/store"
)

// Event is the JSON payload sent to stream clients for every store change.
type Event struct {
	Kind     store.ChangeKind `json:"kind"`
	Node     string           `json:"node"`
	Scope    *domain.Scope    `json:"scope,omitempty"`
	Revision uint64           `json:"revision,omitempty"`
	At       time.Time        `json:"at"`
}

// NewEvent converts a store change into its wire form.
func NewEvent(c store.Change, at time.Time) Event {
	ev := Event{Kind: c.Kind, Node: c.Node.String(), Revision: c.Revision, At: at.UTC()}
	if c.Kind == store.ChangeVersions {
		scope := c.Scope
		ev.Scope = &scope
	}
	return ev
}

// Attach forwards every change of st to the hub until the returned function
// is called.
func (h *Hub) Attach(st *store.Store) func() {
	return st.Subscribe(func(c store.Change) {
		payload, err := json.Marshal(NewEvent(c, time.Now()))
		if err != nil {
			return
		}
		h.Broadcast(c.Node, payload)
	})
}
