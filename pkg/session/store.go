package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a session does not exist or was destroyed.
var ErrNotFound = errors.New("session: not found")

// Store owns every live session. Mutations to one session are serialized;
// different sessions proceed fully in parallel.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	sess     *Session
	cleanups []func()
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// Create registers a new session. It fails if the ID is already live.
func (st *Store) Create(id string, mode Mode, sensitivity int) (*Snapshot, error) {
	if id == "" {
		return nil, errors.New("session: empty id")
	}
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 10 {
		sensitivity = 10
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		return nil, fmt.Errorf("session: %s already exists", id)
	}
	e := &entry{sess: &Session{ID: id, Mode: mode, Sensitivity: sensitivity}}
	st.sessions[id] = e
	return e.sess.snapshot(), nil
}

func (st *Store) entry(id string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns a snapshot copy of the session state.
func (st *Store) Get(id string) (*Snapshot, error) {
	e, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.snapshot(), nil
}

// Update applies fn to the session under its lock. fn must not block on
// provider calls; it is the serialization point for all state mutation.
func (st *Store) Update(id string, fn func(*Session) error) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sess)
}

// OnDestroy registers a cleanup to run when the session is destroyed.
// Timers, waiters, and cross-index entries created for a session must be
// registered here so Destroy leaks nothing.
func (st *Store) OnDestroy(id string, cleanup func()) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cleanups = append(e.cleanups, cleanup)
	e.mu.Unlock()
	return nil
}

// Destroy removes the session and runs registered cleanups in reverse
// registration order. It returns the final snapshot for archival.
func (st *Store) Destroy(id string) (*Snapshot, error) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	final := e.sess.snapshot()
	cleanups := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return final, nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
