package coordinator

import (
	"github.com/google/uuid"
)

// Sender delivers outbound messages to one session. Send must not block: it
// reports false when the message could not be queued.
type Sender interface {
	Send(msg Message) bool
}

// Outbox is a bounded Sender backed by a channel. The transport drains C.
// It is never closed, so late sends from pipelines are always safe.
type Outbox struct {
	ch chan Message
}

// NewOutbox returns an outbox holding up to size messages.
func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{ch: make(chan Message, size)}
}

// Send implements Sender. A full outbox drops the message.
func (o *Outbox) Send(msg Message) bool {
	select {
	case o.ch <- msg:
		return true
	default:
		return false
	}
}

// C returns the queue to drain.
func (o *Outbox) C() <-chan Message {
	return o.ch
}

// IDGenerator returns a fresh session id on every call.
type IDGenerator func() ClientID

// NewUUID is the default IDGenerator.
func NewUUID() ClientID {
	return uuid.NewString()
}

// Registry maps session ids to their Sender. Like Store, it is guarded by the
// Coordinator.
type Registry struct {
	sessions map[ClientID]Sender
	order    []ClientID
	newID    IDGenerator
}

// NewRegistry returns an empty registry using newID, or uuids when nil.
func NewRegistry(newID IDGenerator) *Registry {
	if newID == nil {
		newID = NewUUID
	}
	return &Registry{sessions: make(map[ClientID]Sender), newID: newID}
}

// Add registers s under a fresh id. Generated ids that collide with a live
// session are drawn again.
func (r *Registry) Add(s Sender) ClientID {
	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = r.newID()
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return id
}

// Remove unregisters id and reports whether it was present.
func (r *Registry) Remove(id ClientID) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the Sender for id.
func (r *Registry) Get(id ClientID) (Sender, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// IDs returns every registered id in connection order.
func (r *Registry) IDs() []ClientID {
	return append([]ClientID(nil), r.order...)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}
