// Package registry tracks the live transport handles owned by this process:
// which camera slot is bound to which connection, and the set of control
// clients. It is rebuilt from empty on every process start; durable slot
// state lives in the shared store instead.
package registry

import "sync"

// Conn is the transport handle the registry tracks. Implementations must be
// safe for concurrent Send calls and must fail fast (not block the caller
// indefinitely) when the peer is gone.
type Conn interface {
	Send(data []byte) error
}

// Registry is safe for concurrent use. No method blocks on I/O, so holding
// its lock never spans a store call.
type Registry struct {
	mu      sync.Mutex
	cameras map[int]Conn
	clients map[Conn]struct{}
}

func New() *Registry {
	return &Registry{
		cameras: make(map[int]Conn),
		clients: make(map[Conn]struct{}),
	}
}

// BindCamera binds conn to the slot, superseding any previous handle. The
// superseded handle is not closed here; its own close event cleans it up.
func (r *Registry) BindCamera(slotID int, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras[slotID] = conn
}

// UnbindCamera removes the slot binding only if conn is still the bound
// handle, and reports whether it removed anything. The condition keeps a
// superseded handle's late close event from unbinding its replacement.
func (r *Registry) UnbindCamera(slotID int, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cameras[slotID] != conn {
		return false
	}
	delete(r.cameras, slotID)
	return true
}

// CameraConn returns the live handle bound to the slot, if any.
func (r *Registry) CameraConn(slotID int) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.cameras[slotID]
	return conn, ok
}

func (r *Registry) AddClient(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = struct{}{}
}

func (r *Registry) RemoveClient(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, conn)
}

// Clients returns a snapshot of the current control-client set. Broadcasts
// iterate the snapshot so a send to one client never holds the lock.
func (r *Registry) Clients() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.clients))
	for conn := range r.clients {
		out = append(out, conn)
	}
	return out
}
