package relay

import (
	"fmt"
	"math"
	"sync"

	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
)

// Store is the relay's in-memory authoritative board set. Card updates are
// last-write-wins by modified. Deleted cards leave a tombstone holding the
// delete time; a create or update no newer than it is ignored.
type Store struct {
	mu      sync.RWMutex
	order   []string
	boards  map[string]*schema.Board
	applied map[string]bool
	deleted map[string]map[string]int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		boards:  make(map[string]*schema.Board),
		applied: make(map[string]bool),
		deleted: make(map[string]map[string]int64),
	}
}

// PutBoard adds or replaces a board.
func (s *Store) PutBoard(b schema.Board) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b = b.Clone()
	if _, ok := s.boards[b.ID]; !ok {
		s.order = append(s.order, b.ID)
	}
	s.boards[b.ID] = &b
}

// DeleteBoard removes a board.
func (s *Store) DeleteBoard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards[id]; !ok {
		return
	}
	delete(s.boards, id)
	delete(s.deleted, id)
	for i, bid := range s.order {
		if bid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Boards returns every board without cards, in creation order.
func (s *Store) Boards() []schema.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schema.Board, 0, len(s.order))
	for _, id := range s.order {
		b := *s.boards[id]
		b.Cards = nil
		out = append(out, b)
	}
	return out
}

// Board returns a copy of one board with its cards.
func (s *Store) Board(id string) (schema.Board, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[id]
	if !ok {
		return schema.Board{}, false
	}
	return b.Clone(), true
}

// ApplyMessage applies a gateway card event. It reports whether the board
// exists.
func (s *Store) ApplyMessage(msg gateway.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[msg.Board]
	if !ok {
		return false
	}

	switch msg.Type {
	case gateway.TypeCreateCard:
		if c, ok := msg.CreatedCard(); ok {
			s.createLocked(b, c)
		}
	case gateway.TypeUpdateCards:
		for _, p := range msg.Cards {
			s.updateLocked(b, p)
		}
	case gateway.TypeDeleteCard:
		if id, ok := msg.DeletedCardID(); ok {
			s.deleteLocked(b, id, 0)
		}
	}
	return true
}

// ApplyEntries applies drained queue entries and returns how many were new.
// Entries seen before are skipped. It reports false if the board is unknown.
func (s *Store) ApplyEntries(board string, entries []queue.Entry) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[board]
	if !ok {
		return 0, false
	}

	applied := 0
	for _, e := range entries {
		key := fmt.Sprintf("%s/%d/%s/%s/%d", board, e.Seq, e.Type, e.Card.ID, e.Card.Modified)
		if s.applied[key] {
			continue
		}
		s.applied[key] = true
		applied++

		switch e.Type {
		case queue.Create:
			s.createLocked(b, e.Card.Card())
		case queue.Update:
			s.updateLocked(b, e.Card)
		case queue.Delete:
			s.deleteLocked(b, e.Card.ID, e.Card.Modified)
		}
	}
	return applied, true
}

func (s *Store) createLocked(b *schema.Board, c schema.Card) {
	if b.IndexOf(c.ID) >= 0 || s.tombstoned(b.ID, c.ID, c.Modified) {
		return
	}
	c.State = schema.Committed
	b.Cards = append(b.Cards, c.Clone())
	if c.Modified > b.Modified {
		b.Modified = c.Modified
	}
}

func (s *Store) updateLocked(b *schema.Board, p schema.CardPatch) {
	i := b.IndexOf(p.ID)
	if i < 0 || p.Modified < b.Cards[i].Modified || s.tombstoned(b.ID, p.ID, p.Modified) {
		return
	}
	p.Type = schema.None[schema.CardType]()
	p.Created = schema.None[int64]()
	b.Cards[i].Apply(p)
	if p.Modified > b.Modified {
		b.Modified = p.Modified
	}
}

// deleteLocked removes a card and records its tombstone. The delete time is
// modified, or the card's last modified time when that is later. Gateway
// deletes carry no timestamp (modified 0); for a card the store has not
// seen yet the tombstone is then permanent, since card ids are never reused.
func (s *Store) deleteLocked(b *schema.Board, id string, modified int64) {
	i := b.IndexOf(id)
	if i < 0 && modified == 0 {
		modified = math.MaxInt64
	}
	if i >= 0 {
		if m := b.Cards[i].Modified; m > modified {
			modified = m
		}
		b.Cards = append(b.Cards[:i], b.Cards[i+1:]...)
	}

	tombs := s.deleted[b.ID]
	if tombs == nil {
		tombs = make(map[string]int64)
		s.deleted[b.ID] = tombs
	}
	if t, ok := tombs[id]; !ok || modified > t {
		tombs[id] = modified
	}
}

func (s *Store) tombstoned(board, id string, modified int64) bool {
	t, ok := s.deleted[board][id]
	return ok && modified <= t
}
