// Package session implements the board session: one board's working card
// list, kept safe to render and edit regardless of connectivity.
//
// The working list is a copy of the durable mirror plus cards that exist
// only locally. Local edits are applied optimistically and fanned out to the
// mutation queue, the gateway and the mirror. Remote state flows back in
// through fetch-and-merge reconciliation and incremental gateway events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardwall/cardsync/internal/appstate"
	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
)

var (
	// ErrCardNotFound is returned when an id is not in the working list
	ErrCardNotFound = errors.New("card not found")

	// ErrNotLocal is returned when committing a card that is already committed
	ErrNotLocal = errors.New("card is already committed")

	// ErrClosed is returned by operations on a closed session
	ErrClosed = errors.New("session closed")
)

// Mirror is the durable board mirror (the cache).
type Mirror interface {
	Board(id string) (schema.Board, bool)
	PutBoard(b schema.Board)
	RemoveBoard(id string) bool
	AppendCard(boardID string, card schema.Card) bool
	ReplaceCard(boardID string, card schema.Card) bool
	RemoveCard(boardID, cardID string) bool
	PatchCards(boardID string, patches []schema.CardPatch) int
}

// Queue receives committed intents.
type Queue interface {
	Enqueue(e queue.Entry)
}

// Gateway is the live connection to the authority.
type Gateway interface {
	Send(msg gateway.Message, opts ...gateway.SendOption) bool
	Connected() bool
	Subscribe(h gateway.Handler) func()
	OnConnectionChange(fn func(connected bool)) func()
}

// Fetcher loads the authoritative board. A missing board must satisfy
// errors.Is(err, api.ErrNotFound).
type Fetcher interface {
	Board(ctx context.Context, id string) (schema.Board, error)
}

// State is the application state the session reports pending work to and
// listens to for connectivity and auth changes.
type State interface {
	Hold(reason, owner string)
	Release(reason, owner string)
	Subscribe(fn func(appstate.Change)) func()
}

// Deps are the services a session is bound to.
type Deps struct {
	Mirror  Mirror
	Queue   Queue
	Gateway Gateway
	Fetcher Fetcher
	State   State
}

// Config holds session configuration.
type Config struct {
	// Clock returns the current time in epoch milliseconds
	Clock func() int64

	// FetchTimeout bounds background fetch-and-merge runs (default: 15s)
	FetchTimeout time.Duration

	// Logger for session activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Clock:        func() int64 { return time.Now().UnixMilli() },
		FetchTimeout: 15 * time.Second,
		Logger:       log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// EventKind classifies a working list change.
type EventKind int

const (
	EventCreated EventKind = iota
	EventCommitted
	EventUpdated
	EventDeleted
	EventReconciled
	EventRemote
	EventBoardDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventCommitted:
		return "committed"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	case EventReconciled:
		return "reconciled"
	case EventRemote:
		return "remote"
	case EventBoardDeleted:
		return "board-deleted"
	default:
		return "unknown"
	}
}

// Event describes a change to the working list.
type Event struct {
	Kind EventKind
	IDs  []string
}

var sessionSeq atomic.Int64

// Session owns the working list for one board.
type Session struct {
	board  string
	owner  string
	deps   Deps
	config *Config

	// mu guards the working list and serializes every mutation entry point
	mu       sync.Mutex
	cards    []schema.Card
	lastTime int64
	joined   bool
	deleted  bool

	life   sync.Mutex
	opened bool
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup

	lmu       sync.RWMutex
	listeners map[int]func(Event)
	nextID    int
}

// New creates a session for boardID. Nothing happens until Open.
func New(boardID string, deps Deps, config *Config) *Session {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		board:     boardID,
		owner:     fmt.Sprintf("session:%s#%d", boardID, sessionSeq.Add(1)),
		deps:      deps,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(Event)),
	}
}

// Board returns the board id.
func (s *Session) Board() string {
	return s.board
}

// Open loads the working list from the mirror, subscribes to remote updates
// and runs the initial fetch-and-merge. A fetch failure is returned only
// when the board was not cached; in that case the session is closed.
func (s *Session) Open(ctx context.Context) error {
	s.life.Lock()
	if s.closed {
		s.life.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.life.Unlock()
		return nil
	}
	s.opened = true
	s.unsubs = append(s.unsubs,
		s.deps.Gateway.Subscribe(s.handleMessage),
		s.deps.Gateway.OnConnectionChange(s.handleConnection),
		s.deps.State.Subscribe(s.handleState),
	)
	s.life.Unlock()

	s.mu.Lock()
	if b, ok := s.deps.Mirror.Board(s.board); ok {
		s.cards = b.Cards
	}
	if s.deps.Gateway.Connected() {
		s.joinLocked()
	}
	s.mu.Unlock()

	s.config.Logger.Printf("Opened board %s", s.board)

	if err := s.Refresh(ctx); err != nil {
		s.Close()
		return err
	}
	return nil
}

// Close leaves the board and unsubscribes. Local-only cards are discarded.
func (s *Session) Close() {
	s.life.Lock()
	if s.closed {
		s.life.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	unsubs := s.unsubs
	s.unsubs = nil
	s.life.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}

	s.mu.Lock()
	if s.joined && s.deps.Gateway.Connected() {
		s.deps.Gateway.Send(gateway.LeaveBoard(), gateway.WithoutBuffer())
	}
	s.joined = false
	s.mu.Unlock()

	s.deps.State.Release(appstate.NewCards, s.owner)
	s.wg.Wait()

	s.config.Logger.Printf("Closed board %s", s.board)
}

func (s *Session) isClosed() bool {
	s.life.Lock()
	defer s.life.Unlock()
	return s.closed
}

// Deleted reports whether the authority reported the board as deleted.
func (s *Session) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// Cards returns copies of the working list in order.
func (s *Session) Cards() []schema.Card {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schema.Card, len(s.cards))
	for i, c := range s.cards {
		out[i] = c.Clone()
	}
	return out
}

// Card returns a copy of one working card.
func (s *Session) Card(id string) (schema.Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return schema.Card{}, false
	}
	return s.cards[i].Clone(), true
}

// OnChange registers fn for working list changes and returns its
// unsubscribe function. fn runs after the session lock is released and may
// call Close.
func (s *Session) OnChange(fn func(Event)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.lmu.RLock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) indexOf(id string) int {
	for i := range s.cards {
		if s.cards[i].ID == id {
			return i
		}
	}
	return -1
}

// now returns a strictly increasing timestamp for this session.
func (s *Session) now() int64 {
	t := s.config.Clock()
	if t <= s.lastTime {
		t = s.lastTime + 1
	}
	s.lastTime = t
	return t
}

// syncPendingLocked holds or releases the new-cards reason to match the
// working list.
func (s *Session) syncPendingLocked() {
	for i := range s.cards {
		if s.cards[i].IsNew() {
			s.deps.State.Hold(appstate.NewCards, s.owner)
			return
		}
	}
	s.deps.State.Release(appstate.NewCards, s.owner)
}

func (s *Session) joinLocked() {
	if s.joined {
		return
	}
	if s.deps.Gateway.Send(gateway.JoinBoard(s.board), gateway.WithoutBuffer()) {
		s.joined = true
	}
}

// handleConnection re-joins the board and refreshes after every reconnect;
// the authority forgets subscriptions across connections.
func (s *Session) handleConnection(connected bool) {
	if s.isClosed() {
		return
	}

	s.mu.Lock()
	if !connected {
		s.joined = false
		s.mu.Unlock()
		return
	}
	s.joinLocked()
	s.mu.Unlock()

	s.refreshAsync()
}

func (s *Session) handleState(c appstate.Change) {
	switch c.Field {
	case appstate.FieldOnline, appstate.FieldLoggedIn:
		if c.Value {
			s.refreshAsync()
		}
	}
}

// refreshAsync runs a fetch-and-merge in the background. A superseded run
// is harmless: reconciliation is idempotent. The resulting event is emitted
// after the goroutine leaves the wait group, so a listener may call Close.
func (s *Session) refreshAsync() {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed || !s.opened {
		return
	}

	s.wg.Add(1)
	go func() {
		ev := s.backgroundRefresh()
		if ev != nil && !s.isClosed() {
			s.emit(*ev)
		}
	}()
}

func (s *Session) backgroundRefresh() *Event {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.FetchTimeout)
	defer cancel()

	ev, err := s.refresh(ctx)
	if err != nil && ctx.Err() == nil {
		s.config.Logger.Printf("Background refresh of %s failed: %v", s.board, err)
	}
	return ev
}
