package bridge

import (
	"fmt"
	"sync"
)

// Registry is the process-wide index of live call sessions. It is the only
// structure touched by both the control plane and the media plane, so every
// access goes through the lock; no caller ever holds a reference to the maps.
//
// Sessions are inserted on call start and removed when they reach closed.
// The port index exists because an inbound audio connection arrives with no
// call identifier, only the destination port it was dialed to.
type Registry struct {
	mu      sync.RWMutex
	byCall  map[string]*Session
	byPort  map[int]string
	byMedia map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byCall:  make(map[string]*Session),
		byPort:  make(map[int]string),
		byMedia: make(map[string]string),
	}
}

// Insert registers a new session. A duplicate call ID is a conflict: the
// dispatcher treats it as a duplicate call-start and ignores the event.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCall[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	r.byCall[s.ID] = s
	return nil
}

// BindPort records which call owns an allocated media port.
func (r *Registry) BindPort(port int, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPort[port] = callID
}

// BindMediaChannel records which call owns a media leg. The media leg enters
// the application under its own channel ID; the binding lets the dispatcher
// tell it apart from a new caller.
func (r *Registry) BindMediaChannel(mediaChannelID, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMedia[mediaChannelID] = callID
}

// OwnsMediaChannel reports whether a channel ID is a live session's media leg.
func (r *Registry) OwnsMediaChannel(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byMedia[channelID]
	return ok
}

// Get returns the session for a call ID, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCall[callID]
}

// GetByPort correlates an inbound audio connection back to its session.
func (r *Registry) GetByPort(port int) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPort[port]
	if !ok {
		return nil
	}
	return r.byCall[id]
}

// Remove deregisters a session and its port binding.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCall[callID]
	if !ok {
		return
	}
	delete(r.byCall, callID)
	if s.port != 0 {
		if owner, ok := r.byPort[s.port]; ok && owner == callID {
			delete(r.byPort, s.port)
		}
	}
	if s.mediaChannelID != "" {
		if owner, ok := r.byMedia[s.mediaChannelID]; ok && owner == callID {
			delete(r.byMedia, s.mediaChannelID)
		}
	}
}

// Drain returns every registered session. Used when the control channel
// fails and all calls must be torn down.
func (r *Registry) Drain() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.byCall))
	for _, s := range r.byCall {
		sessions = append(sessions, s)
	}
	return sessions
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}
