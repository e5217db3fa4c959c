package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateAssociation is returned when a control connection that
	// already owns an association requests another one.
	ErrDuplicateAssociation = errors.New("control connection already has an association")

	// ErrAssociationLimit is returned when the configured association cap
	// is reached. Existing sessions are never evicted to make room.
	ErrAssociationLimit = errors.New("association limit reached")

	// ErrNotFound is returned by lookups for unknown keys.
	ErrNotFound = errors.New("association not found")
)

// Table is the shared registry of active associations. Mutations are
// serialized under a write lock; lookups take the read lock so a reader
// never observes a half-inserted entry.
type Table struct {
	mu        sync.RWMutex
	byID      map[uint64]*Association
	byControl map[uint64]*Association
	byPort    map[int]*Association

	maxAssociations int
	nextID          atomic.Uint64
}

// NewTable creates a table. maxAssociations of 0 means unlimited.
func NewTable(maxAssociations int) *Table {
	return &Table{
		byID:            make(map[uint64]*Association),
		byControl:       make(map[uint64]*Association),
		byPort:          make(map[int]*Association),
		maxAssociations: maxAssociations,
	}
}

// NextID allocates an association ID, unique for the process lifetime.
func (t *Table) NextID() uint64 {
	return t.nextID.Add(1)
}

// Insert registers an association. It fails with
// ErrDuplicateAssociation if the control connection already owns one
// and with ErrAssociationLimit when the cap is reached.
func (t *Table) Insert(assoc *Association) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byControl[assoc.ControlID]; exists {
		return ErrDuplicateAssociation
	}
	if t.maxAssociations > 0 && len(t.byID) >= t.maxAssociations {
		return ErrAssociationLimit
	}

	t.byID[assoc.ID] = assoc
	t.byControl[assoc.ControlID] = assoc
	t.byPort[assoc.RelayAddr().Port] = assoc

	return nil
}

// Get returns an association by ID.
func (t *Table) Get(id uint64) (*Association, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	assoc, ok := t.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return assoc, nil
}

// LookupByRelayPort returns the association owning the relay socket
// bound to the given local port. O(1); used to route inbound datagrams.
func (t *Table) LookupByRelayPort(port int) (*Association, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	assoc, ok := t.byPort[port]
	if !ok {
		return nil, ErrNotFound
	}
	return assoc, nil
}

// LookupByControl returns the association owned by a control connection.
func (t *Table) LookupByControl(controlID uint64) (*Association, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	assoc, ok := t.byControl[controlID]
	if !ok {
		return nil, ErrNotFound
	}
	return assoc, nil
}

// Touch updates the last-activity timestamp of an association. Unknown
// IDs are ignored; a datagram may race with removal.
func (t *Table) Touch(id uint64) {
	t.mu.RLock()
	assoc := t.byID[id]
	t.mu.RUnlock()

	if assoc != nil {
		assoc.Touch()
	}
}

// Remove deletes an association from the table. Idempotent; returns
// true if the entry was present. The caller closes the association.
func (t *Table) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	assoc, ok := t.byID[id]
	if !ok {
		return false
	}

	delete(t.byID, id)
	delete(t.byControl, assoc.ControlID)
	delete(t.byPort, assoc.RelayAddr().Port)

	return true
}

// ReapIdle removes and returns every association idle for longer than
// maxIdle. The caller releases their sockets.
func (t *Table) ReapIdle(maxIdle time.Duration) []*Association {
	t.mu.RLock()
	var expired []*Association
	for _, assoc := range t.byID {
		if assoc.IsExpired(maxIdle) {
			expired = append(expired, assoc)
		}
	}
	t.mu.RUnlock()

	var removed []*Association
	for _, assoc := range expired {
		if t.Remove(assoc.ID) {
			removed = append(removed, assoc)
		}
	}

	return removed
}

// All returns a snapshot of every registered association.
func (t *Table) All() []*Association {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Association, 0, len(t.byID))
	for _, assoc := range t.byID {
		out = append(out, assoc)
	}
	return out
}

// Len returns the number of active associations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.byID)
}
