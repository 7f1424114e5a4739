// Package contacts defines the contact-resolution collaborators the sync
// core consumes: handle↔local-id resolution, the block list, and the
// pending-stranger list. The in-memory implementation backs tests and the
// CLI; a real address book plugs in behind the same interfaces.
package contacts

import (
	"context"
	"strings"
	"sync"
)

// HandlePrefix marks network-routable handles, as opposed to local ids.
const HandlePrefix = "lookup:"

// EmailHandle derives the routable handle for a contact email.
func EmailHandle(email string) string {
	return HandlePrefix + "email:" + email
}

// IsHandle reports whether id is handle-shaped rather than a local id.
// Unresolved senders keep their handle shape, which is what routes them to
// quarantine.
func IsHandle(id string) bool {
	return strings.HasPrefix(id, HandlePrefix)
}

// Resolver maps between local contact identifiers and routable handles.
type Resolver interface {
	// ResolveHandle returns the routable handle of a local id ("" if none).
	ResolveHandle(ctx context.Context, localID string) (string, error)
	// ResolveContact maps a handle to a local contact id. Unknown handles
	// resolve to the handle itself, keeping the stranger signal intact.
	ResolveContact(ctx context.Context, handle string) (string, error)
	// IsBlocked reports whether the resolved id is on the block list.
	IsBlocked(ctx context.Context, id string) (bool, error)
	// AddPending records a stranger handle awaiting user approval.
	AddPending(ctx context.Context, handle string) error
}

// GroupDirectory resolves group membership for fanout.
type GroupDirectory interface {
	// Members returns the participant handles of a group conversation.
	Members(ctx context.Context, groupURN string) ([]string, error)
}

// InMemory is a process-local Resolver + GroupDirectory.
type InMemory struct {
	mu       sync.RWMutex
	byLocal  map[string]string // local id -> handle
	byHandle map[string]string // handle -> local id
	blocked  map[string]struct{}
	pending  map[string]struct{}
	groups   map[string][]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		byLocal:  make(map[string]string),
		byHandle: make(map[string]string),
		blocked:  make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		groups:   make(map[string][]string),
	}
}

// AddContact registers a known contact with its routable handle.
func (m *InMemory) AddContact(localID, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byLocal[localID] = handle
	m.byHandle[handle] = localID
}

// Block adds id (local id or handle) to the block list.
func (m *InMemory) Block(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[id] = struct{}{}
}

// SetGroup registers the participant handles of a group.
func (m *InMemory) SetGroup(groupURN string, members []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupURN] = append([]string(nil), members...)
}

// Pending returns the current pending-stranger handles.
func (m *InMemory) Pending() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pending))
	for h := range m.pending {
		out = append(out, h)
	}
	return out
}

func (m *InMemory) ResolveHandle(ctx context.Context, localID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byLocal[localID], nil
}

func (m *InMemory) ResolveContact(ctx context.Context, handle string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if local, ok := m.byHandle[handle]; ok {
		return local, nil
	}
	return handle, nil
}

func (m *InMemory) IsBlocked(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[id]
	return ok, nil
}

func (m *InMemory) AddPending(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[handle] = struct{}{}
	return nil
}

func (m *InMemory) Members(ctx context.Context, groupURN string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.groups[groupURN]...), nil
}
