// Package store provides Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/warp/procure-engine/demande"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	requests    map[demande.RequestID]*demande.Request
	order       []demande.RequestID
	history     map[demande.RequestID][]demande.HistoryEntry
	sequences   map[string]int
	assignments map[assignKey]bool
}

type assignKey struct {
	Actor   demande.ActorID
	Project demande.ProjectID
}

func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[demande.RequestID]*demande.Request),
		history:     make(map[demande.RequestID][]demande.HistoryEntry),
		sequences:   make(map[string]int),
		assignments: make(map[assignKey]bool),
	}
}

// Assign marks an actor as assigned to a project (project-scoping data).
func (m *Memory) Assign(_ context.Context, actor demande.ActorID, project demande.ProjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[assignKey{Actor: actor, Project: project}] = true
	return nil
}

// Unassign removes a project assignment.
func (m *Memory) Unassign(_ context.Context, actor demande.ActorID, project demande.ProjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, assignKey{Actor: actor, Project: project})
	return nil
}

// IsAssigned implements demande.ProjectDirectory.
func (m *Memory) IsAssigned(_ context.Context, actor demande.ActorID, project demande.ProjectID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assignments[assignKey{Actor: actor, Project: project}], nil
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (m *Memory) Get(ctx context.Context, id demande.RequestID) (*demande.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id demande.RequestID) (*demande.Request, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, &demande.NotFoundError{Kind: "request", ID: string(id)}
	}
	return req.Clone(), nil
}

func (m *Memory) Insert(ctx context.Context, req *demande.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(req)
}

func (m *Memory) insertLocked(req *demande.Request) error {
	if _, ok := m.requests[req.ID]; ok {
		return &demande.ValidationError{Field: "id", Message: "request already exists"}
	}
	req.Version = 1
	m.requests[req.ID] = req.Clone()
	m.order = append(m.order, req.ID)
	return nil
}

func (m *Memory) Save(ctx context.Context, req *demande.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(req)
}

func (m *Memory) saveLocked(req *demande.Request) error {
	stored, ok := m.requests[req.ID]
	if !ok {
		return &demande.NotFoundError{Kind: "request", ID: string(req.ID)}
	}
	if stored.Version != req.Version {
		return demande.ErrConcurrencyConflict
	}
	req.Version++
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id demande.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) deleteLocked(id demande.RequestID) error {
	if _, ok := m.requests[id]; !ok {
		return &demande.NotFoundError{Kind: "request", ID: string(id)}
	}
	delete(m.requests, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	// History stays: the audit trail outlives the request.
	return nil
}

func (m *Memory) List(ctx context.Context) ([]*demande.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

func (m *Memory) listLocked() ([]*demande.Request, error) {
	result := make([]*demande.Request, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if req, ok := m.requests[m.order[i]]; ok {
			result = append(result, req.Clone())
		}
	}
	return result, nil
}

func (m *Memory) Children(ctx context.Context, parent demande.RequestID) ([]*demande.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.childrenLocked(parent)
}

func (m *Memory) childrenLocked(parent demande.RequestID) ([]*demande.Request, error) {
	var result []*demande.Request
	for _, id := range m.order {
		req, ok := m.requests[id]
		if !ok || req.ParentID == nil || *req.ParentID != parent {
			continue
		}
		result = append(result, req.Clone())
	}
	return result, nil
}

func (m *Memory) AppendHistory(ctx context.Context, entries ...demande.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendHistoryLocked(entries...)
}

func (m *Memory) appendHistoryLocked(entries ...demande.HistoryEntry) error {
	for _, e := range entries {
		m.history[e.RequestID] = append(m.history[e.RequestID], e)
	}
	return nil
}

func (m *Memory) History(ctx context.Context, id demande.RequestID) ([]demande.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]demande.HistoryEntry, len(m.history[id]))
	copy(result, m.history[id])
	return result, nil
}

func (m *Memory) NextSequence(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequenceLocked(key)
}

func (m *Memory) nextSequenceLocked(key string) (int, error) {
	m.sequences[key]++
	return m.sequences[key], nil
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback on error
// =============================================================================

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot restored on error; the store lock is held for
// the whole transaction, which also serializes concurrent actions.
func (m *Memory) WithTx(ctx context.Context, fn func(demande.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	requests  map[demande.RequestID]*demande.Request
	order     []demande.RequestID
	history   map[demande.RequestID][]demande.HistoryEntry
	sequences map[string]int
}

func (m *Memory) snapshot() memorySnapshot {
	reqs := make(map[demande.RequestID]*demande.Request, len(m.requests))
	for id, req := range m.requests {
		reqs[id] = req.Clone()
	}
	hist := make(map[demande.RequestID][]demande.HistoryEntry, len(m.history))
	for id, entries := range m.history {
		hist[id] = append([]demande.HistoryEntry{}, entries...)
	}
	seqs := make(map[string]int, len(m.sequences))
	for k, v := range m.sequences {
		seqs[k] = v
	}
	return memorySnapshot{
		requests:  reqs,
		order:     append([]demande.RequestID{}, m.order...),
		history:   hist,
		sequences: seqs,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.requests = s.requests
	m.order = s.order
	m.history = s.history
	m.sequences = s.sequences
}

// txView routes store calls to the locked parent.
type txView struct {
	parent *Memory
}

func (tv *txView) Get(_ context.Context, id demande.RequestID) (*demande.Request, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) Insert(_ context.Context, req *demande.Request) error {
	return tv.parent.insertLocked(req)
}

func (tv *txView) Save(_ context.Context, req *demande.Request) error {
	return tv.parent.saveLocked(req)
}

func (tv *txView) Delete(_ context.Context, id demande.RequestID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txView) List(_ context.Context) ([]*demande.Request, error) {
	return tv.parent.listLocked()
}

func (tv *txView) Children(_ context.Context, parent demande.RequestID) ([]*demande.Request, error) {
	return tv.parent.childrenLocked(parent)
}

func (tv *txView) AppendHistory(_ context.Context, entries ...demande.HistoryEntry) error {
	return tv.parent.appendHistoryLocked(entries...)
}

func (tv *txView) History(_ context.Context, id demande.RequestID) ([]demande.HistoryEntry, error) {
	entries := tv.parent.history[id]
	result := make([]demande.HistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func (tv *txView) NextSequence(_ context.Context, key string) (int, error) {
	return tv.parent.nextSequenceLocked(key)
}

func (tv *txView) WithTx(ctx context.Context, fn func(demande.Store) error) error {
	// Already inside a transaction; nested calls share it.
	return fn(tv)
}

// IsAssigned answers directory lookups inside the transaction. The parent
// lock is already held by WithTx, so this must not re-lock.
func (tv *txView) IsAssigned(_ context.Context, actor demande.ActorID, project demande.ProjectID) (bool, error) {
	return tv.parent.assignments[assignKey{Actor: actor, Project: project}], nil
}
