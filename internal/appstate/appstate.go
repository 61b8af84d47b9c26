// Package appstate holds process-wide lifecycle flags: connectivity,
// authentication and the set of pending-work reasons that block a safe exit.
//
// Changes are announced through explicit events emitted by the mutators.
package appstate

import (
	"sort"
	"sync"
)

// NewCards is the pending-work reason held while a board session has cards
// that exist only locally.
const NewCards = "new-cards"

// Credentials reports the durable facts loggedIn is derived from.
type Credentials interface {
	HasToken() bool
	HasUser() bool
}

// Field identifies which flag a Change refers to.
type Field int

const (
	FieldOnline Field = iota
	FieldLoggedIn
	FieldPendingWork
)

func (f Field) String() string {
	switch f {
	case FieldOnline:
		return "online"
	case FieldLoggedIn:
		return "loggedIn"
	case FieldPendingWork:
		return "pendingWork"
	default:
		return "unknown"
	}
}

// Change describes a flag transition.
type Change struct {
	Field Field
	// Value is the new online/loggedIn value, or whether pendingWork is
	// non-empty for FieldPendingWork
	Value bool
	// Reason is set for FieldPendingWork
	Reason string
}

// State is the application state. Construct it once, after the cache
// readiness barrier.
type State struct {
	creds Credentials

	mu        sync.Mutex
	online    bool
	loggedIn  bool
	holders   map[string]map[string]struct{}
	listeners map[int]func(Change)
	nextID    int
}

// New creates the state and derives loggedIn from creds.
func New(creds Credentials) *State {
	s := &State{
		creds:     creds,
		holders:   make(map[string]map[string]struct{}),
		listeners: make(map[int]func(Change)),
	}
	s.loggedIn = s.derivedLoggedIn()
	return s
}

// Online reports whether the network is reachable.
func (s *State) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records reachability.
func (s *State) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	s.emit(Change{Field: FieldOnline, Value: online})
}

// LoggedIn reports whether both a token and a user are present, or a login
// round trip just succeeded.
func (s *State) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// RefreshAuth recomputes loggedIn from the credentials.
func (s *State) RefreshAuth() {
	s.mu.Lock()
	s.setLoggedInLocked(s.derivedLoggedIn())
}

// MarkLoggedIn sets loggedIn after a successful login round trip, without
// waiting for the credentials to reach storage.
func (s *State) MarkLoggedIn() {
	s.mu.Lock()
	s.setLoggedInLocked(true)
}

// setLoggedInLocked must be called with mu held; it releases it.
func (s *State) setLoggedInLocked(v bool) {
	changed := s.loggedIn != v
	s.loggedIn = v
	s.mu.Unlock()

	if changed {
		s.emit(Change{Field: FieldLoggedIn, Value: v})
	}
}

func (s *State) derivedLoggedIn() bool {
	if s.creds == nil {
		return false
	}
	return s.creds.HasToken() && s.creds.HasUser()
}

// Hold adds owner as a holder of reason. A reason stays pending while it
// has at least one holder.
func (s *State) Hold(reason, owner string) {
	s.mu.Lock()
	owners, ok := s.holders[reason]
	if !ok {
		owners = make(map[string]struct{})
		s.holders[reason] = owners
	}
	if _, held := owners[owner]; held {
		s.mu.Unlock()
		return
	}
	owners[owner] = struct{}{}
	added := len(owners) == 1
	s.mu.Unlock()

	if added {
		s.emit(Change{Field: FieldPendingWork, Value: true, Reason: reason})
	}
}

// Release removes owner as a holder of reason.
func (s *State) Release(reason, owner string) {
	s.mu.Lock()
	owners, ok := s.holders[reason]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, held := owners[owner]; !held {
		s.mu.Unlock()
		return
	}
	delete(owners, owner)
	removed := len(owners) == 0
	if removed {
		delete(s.holders, reason)
	}
	pending := len(s.holders) > 0
	s.mu.Unlock()

	if removed {
		s.emit(Change{Field: FieldPendingWork, Value: pending, Reason: reason})
	}
}

// Pending reports whether reason currently has a holder.
func (s *State) Pending(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.holders[reason]
	return ok
}

// PendingWork returns the pending reasons, sorted.
func (s *State) PendingWork() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons := make([]string, 0, len(s.holders))
	for r := range s.holders {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return reasons
}

// CanExit reports whether the process may terminate without warning.
func (s *State) CanExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holders) == 0
}

// Subscribe registers fn for change events and returns its unsubscribe
// function. Events are delivered synchronously on the mutating goroutine.
func (s *State) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *State) emit(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
