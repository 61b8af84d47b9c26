package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
)

// CardInit holds the initial fields of a new card.
type CardInit struct {
	Type    schema.CardType
	Pos     schema.Pos
	Content json.RawMessage
}

// CreateCard adds a local-only card to the working list. It has no durable
// or remote effects until committed with UpdateCard(card, true).
func (s *Session) CreateCard(init CardInit) schema.Card {
	if init.Type == "" {
		init.Type = schema.CardText
	}

	s.mu.Lock()
	now := s.now()
	card := schema.Card{
		ID:       schema.NewID(),
		Type:     init.Type,
		Pos:      init.Pos,
		Content:  init.Content,
		Created:  now,
		Modified: now,
		State:    schema.LocalNew,
	}.Clone()
	s.cards = append(s.cards, card)
	s.syncPendingLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventCreated, IDs: []string{card.ID}})
	return card.Clone()
}

// UpdateCard applies card's pos and content to the working card with the
// same id.
//
// With create set, a local card is committed: it is stamped, appended to the
// mirror, enqueued as a create and sent as createCard in one step.
// Otherwise a committed card is stamped, replaced in the mirror, enqueued as
// an update and sent as updateCards; a local card is only edited in place.
func (s *Session) UpdateCard(card schema.Card, create bool) error {
	s.mu.Lock()

	i := s.indexOf(card.ID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCardNotFound, card.ID)
	}
	current := s.cards[i]

	if create {
		if !current.IsNew() {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotLocal, card.ID)
		}
		if err := s.commitLocked(i, card); err != nil {
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventCommitted, IDs: []string{card.ID}})
		return nil
	}

	next := edited(current, card)
	next.Modified = s.now()
	s.cards[i] = next

	if !next.IsNew() {
		s.publishUpdatesLocked(next)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, IDs: []string{card.ID}})
	return nil
}

// commitLocked turns the local card at i into a committed one.
func (s *Session) commitLocked(i int, card schema.Card) error {
	committed := edited(s.cards[i], card)
	committed.State = schema.Committed
	committed.Modified = s.now()
	if err := committed.Validate(); err != nil {
		return fmt.Errorf("invalid card: %w", err)
	}

	s.cards[i] = committed
	if !s.deps.Mirror.AppendCard(s.board, committed) {
		s.config.Logger.Printf("Warning: board %s not cached, card %s kept in queue only", s.board, committed.ID)
	}
	s.deps.Queue.Enqueue(queue.NewCreate(s.board, committed))
	s.deps.Gateway.Send(gateway.CreateCard(s.board, committed))
	s.syncPendingLocked()
	return nil
}

// UpdateMany applies pos and content for a batch of cards. Timestamps are
// re-stamped as now, now+1, ... in ascending order of the cards' previous
// modified values, so the batch keeps its relative order under
// last-write-wins.
func (s *Session) UpdateMany(cards []schema.Card) error {
	if len(cards) == 0 {
		return nil
	}

	s.mu.Lock()

	type pending struct {
		index int
		next  schema.Card
	}
	batch := make([]pending, 0, len(cards))
	for _, c := range cards {
		i := s.indexOf(c.ID)
		if i < 0 {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrCardNotFound, c.ID)
		}
		batch = append(batch, pending{index: i, next: edited(s.cards[i], c)})
	}

	sort.SliceStable(batch, func(a, b int) bool {
		return batch[a].next.Modified < batch[b].next.Modified
	})

	base := s.now()
	committed := make([]schema.Card, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for n, p := range batch {
		p.next.Modified = base + int64(n)
		s.cards[p.index] = p.next
		ids = append(ids, p.next.ID)
		if !p.next.IsNew() {
			committed = append(committed, p.next)
		}
	}
	s.lastTime = base + int64(len(batch)) - 1

	if len(committed) > 0 {
		s.publishUpdatesLocked(committed...)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, IDs: ids})
	return nil
}

// publishUpdatesLocked mirrors, enqueues and sends committed updates.
func (s *Session) publishUpdatesLocked(cards ...schema.Card) {
	for _, c := range cards {
		if !s.deps.Mirror.ReplaceCard(s.board, c) {
			s.config.Logger.Printf("Warning: card %s missing from mirror of %s", c.ID, s.board)
		}
		s.deps.Queue.Enqueue(queue.NewUpdate(s.board, c))
	}
	s.deps.Gateway.Send(gateway.UpdateCards(s.board, cards...))
}

// DeleteCard removes a card from the working list. Deleting a committed card
// also removes it from the mirror, enqueues a delete and sends deleteCard;
// deleting a local card has no other effect.
func (s *Session) DeleteCard(id string) error {
	s.mu.Lock()
	if !s.deleteLocked(id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	s.syncPendingLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventDeleted, IDs: []string{id}})
	return nil
}

// DeleteMany deletes every listed card that is in the working list. Ids not
// found are reported in the returned error after the others are deleted.
func (s *Session) DeleteMany(ids []string) error {
	s.mu.Lock()
	var deleted, missing []string
	for _, id := range ids {
		if s.deleteLocked(id) {
			deleted = append(deleted, id)
		} else {
			missing = append(missing, id)
		}
	}
	s.syncPendingLocked()
	s.mu.Unlock()

	if len(deleted) > 0 {
		s.emit(Event{Kind: EventDeleted, IDs: deleted})
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Session) deleteLocked(id string) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	card := s.cards[i]
	s.cards = append(s.cards[:i], s.cards[i+1:]...)

	if card.IsNew() {
		return true
	}

	s.deps.Mirror.RemoveCard(s.board, id)
	s.deps.Queue.Enqueue(queue.NewDelete(s.board, card, s.now()))
	s.deps.Gateway.Send(gateway.DeleteCard(s.board, id))
	return true
}

// edited returns current with the mutable fields of update applied. Id,
// type, created and state are kept from current.
func edited(current, update schema.Card) schema.Card {
	next := current.Clone()
	next.Pos = update.Pos
	next.Content = update.Clone().Content
	return next
}
