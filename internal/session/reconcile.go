package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cardwall/cardsync/internal/api"
	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/schema"
)

// Reconcile merges an authoritative card set into a working list and
// returns the new working list. Neither input is modified.
//
// Walking the working list back to front, local cards are kept as they
// are, cards present in the authoritative set are overwritten with the
// authoritative version, and cards absent from it are dropped as remotely
// deleted. Authoritative cards not matched by any working card are then
// appended in authoritative order. Reconciling twice against the same set
// yields the same list.
func Reconcile(working, authoritative []schema.Card) []schema.Card {
	lookup := make(map[string]schema.Card, len(authoritative))
	for _, c := range authoritative {
		lookup[c.ID] = c
	}

	out := make([]schema.Card, len(working), len(working)+len(authoritative))
	for i, c := range working {
		out[i] = c.Clone()
	}

	for i := len(out) - 1; i >= 0; i-- {
		if out[i].IsNew() {
			continue
		}
		a, ok := lookup[out[i].ID]
		if !ok {
			out = append(out[:i], out[i+1:]...)
			continue
		}
		a = a.Clone()
		a.State = schema.Committed
		out[i] = a
		delete(lookup, a.ID)
	}

	for _, c := range authoritative {
		if _, unclaimed := lookup[c.ID]; !unclaimed {
			continue
		}
		a := c.Clone()
		a.State = schema.Committed
		out = append(out, a)
		delete(lookup, c.ID)
	}
	return out
}

// Refresh fetches the authoritative board and reconciles the working list
// against it.
//
// A 404 is an authoritative delete: the board is removed from the mirror,
// committed cards leave the working list and nil is returned. Other fetch
// errors are swallowed when the board is cached, since the cached view
// stays usable; otherwise they are returned.
func (s *Session) Refresh(ctx context.Context) error {
	ev, err := s.refresh(ctx)
	if ev != nil {
		s.emit(*ev)
	}
	return err
}

// refresh does the work of Refresh and returns the event to emit, if any.
func (s *Session) refresh(ctx context.Context) (*Event, error) {
	board, err := s.deps.Fetcher.Board(ctx, s.board)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return s.boardDeleted(), nil
		}
		if _, cached := s.deps.Mirror.Board(s.board); cached {
			s.config.Logger.Printf("Fetch of %s failed, using cached board: %v", s.board, err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch board %s: %w", s.board, err)
	}

	s.mu.Lock()
	s.deps.Mirror.PutBoard(board)
	s.cards = Reconcile(s.cards, board.Cards)
	s.deleted = false
	s.syncPendingLocked()
	s.mu.Unlock()

	return &Event{Kind: EventReconciled}, nil
}

func (s *Session) boardDeleted() *Event {
	s.mu.Lock()
	s.deps.Mirror.RemoveBoard(s.board)
	s.cards = Reconcile(s.cards, nil)
	s.deleted = true
	s.syncPendingLocked()
	s.mu.Unlock()

	s.config.Logger.Printf("Board %s was deleted remotely", s.board)
	return &Event{Kind: EventBoardDeleted}
}

// handleMessage applies an inbound gateway event for this board. Events for
// unknown ids are ignored: they may race with local deletions.
func (s *Session) handleMessage(msg gateway.Message) {
	if msg.Board != s.board || s.isClosed() {
		return
	}

	var ev Event
	switch msg.Type {
	case gateway.TypeCreateCard:
		card, ok := msg.CreatedCard()
		if !ok {
			return
		}
		s.mu.Lock()
		if s.indexOf(card.ID) >= 0 {
			s.mu.Unlock()
			return
		}
		if !s.deps.Mirror.ReplaceCard(s.board, card) {
			s.deps.Mirror.AppendCard(s.board, card)
		}
		s.cards = append(s.cards, card)
		s.mu.Unlock()
		ev = Event{Kind: EventRemote, IDs: []string{card.ID}}

	case gateway.TypeUpdateCards:
		patches := make([]schema.CardPatch, 0, len(msg.Cards))
		for _, p := range msg.Cards {
			if p.ID == "" {
				continue
			}
			// only content, pos and modified travel in updates
			p.Type = schema.None[schema.CardType]()
			p.Created = schema.None[int64]()
			patches = append(patches, p)
		}

		s.mu.Lock()
		s.deps.Mirror.PatchCards(s.board, patches)
		var ids []string
		for _, p := range patches {
			if i := s.indexOf(p.ID); i >= 0 {
				s.cards[i].Apply(p)
				ids = append(ids, p.ID)
			}
		}
		s.mu.Unlock()
		if len(ids) == 0 {
			return
		}
		ev = Event{Kind: EventRemote, IDs: ids}

	case gateway.TypeDeleteCard:
		id, ok := msg.DeletedCardID()
		if !ok {
			return
		}
		s.mu.Lock()
		s.deps.Mirror.RemoveCard(s.board, id)
		i := s.indexOf(id)
		if i >= 0 {
			s.cards = append(s.cards[:i], s.cards[i+1:]...)
			s.syncPendingLocked()
		}
		s.mu.Unlock()
		if i < 0 {
			return
		}
		ev = Event{Kind: EventRemote, IDs: []string{id}}

	default:
		return
	}

	s.emit(ev)
}
