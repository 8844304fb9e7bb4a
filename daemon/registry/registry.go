package registry

import (
	"errors"
	"net"
	"sync"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUniqueIDBound   = errors.New("unique id already bound")
	ErrUniqueIDInUse   = errors.New("unique id in use by another session")
)

// Registry maps clientId -> Session and uniqueId -> clientId. Ids are
// assigned from a monotonic counter and never reused within a process.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint32
	sessions map[uint32]*Session
	byUnique map[string]uint32

	fileRoot string
}

// New creates an empty registry. fileRoot is the directory under which each
// client gets its Client<id> subdirectory.
func New(fileRoot string) *Registry {
	return &Registry{
		sessions: make(map[uint32]*Session),
		byUnique: make(map[string]uint32),
		fileRoot: fileRoot,
	}
}

// Register assigns the next client id and stores a new session.
func (r *Registry) Register(conn net.Conn, transport Transport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := newSession(r.nextID, conn, transport, r.fileRoot)
	r.sessions[s.ID] = s
	return s
}

// Get returns the session for a client id.
func (r *Registry) Get(id uint32) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetByUniqueID resolves a wire routing id to its session.
func (r *Registry) GetByUniqueID(uniqueID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUnique[uniqueID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Bind associates a peer-supplied uniqueId with a session. The bind is
// set-once per session and exclusive across sessions.
func (r *Registry) Bind(id uint32, uniqueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if owner, taken := r.byUnique[uniqueID]; taken && owner != id {
		return ErrUniqueIDInUse
	}
	if !s.BindUniqueID(uniqueID) {
		if s.UniqueID() == uniqueID {
			return nil
		}
		return ErrUniqueIDBound
	}
	r.byUnique[uniqueID] = id
	return nil
}

// Unregister removes a session and releases its uniqueId. The session is
// marked closed; the caller owns closing the socket.
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.markClosed()
	if u := s.UniqueID(); u != "" {
		delete(r.byUnique, u)
	}
	delete(r.sessions, id)
}

// Snapshot returns the live sessions at this instant.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
