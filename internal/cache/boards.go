package cache

import (
	"context"
	"encoding/json"

	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/store"
)

// Boards returns copies of every cached board in order.
func (c *Cache) Boards() []schema.Board {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]schema.Board, len(c.boards))
	for i, b := range c.boards {
		out[i] = b.Clone()
	}
	return out
}

// Board returns a copy of one cached board.
func (c *Cache) Board(id string) (schema.Board, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := c.indexOf(id)
	if i < 0 {
		return schema.Board{}, false
	}
	return c.boards[i].Clone(), true
}

// PutBoard replaces a cached board in place, or appends it if unknown.
func (c *Cache) PutBoard(b schema.Board) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b = b.Clone()
	if b.Cards == nil {
		b.Cards = []schema.Card{}
	}

	if i := c.indexOf(b.ID); i >= 0 {
		c.boards[i] = b
		c.persistBoard(i)
		return
	}
	c.boards = append(c.boards, b)
	c.persistBoard(len(c.boards) - 1)
}

// RemoveBoard drops a board and its cards. Returns false if it wasn't cached.
func (c *Cache) RemoveBoard(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.boards = append(c.boards[:i], c.boards[i+1:]...)
	c.persistAll()
	return true
}

// MergeBoardList applies an authoritative board list without cards.
//
// The cached list takes the order and membership of list. Boards already
// cached keep their cards; their metadata is refreshed. Boards missing from
// list are removed.
func (c *Cache) MergeBoardList(list []schema.Board) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]schema.Board, 0, len(list))
	for _, b := range list {
		next := b.Clone()
		if i := c.indexOf(b.ID); i >= 0 {
			next.Cards = c.boards[i].Cards
		}
		if next.Cards == nil {
			next.Cards = []schema.Card{}
		}
		merged = append(merged, next)
	}
	c.boards = merged
	c.persistAll()
}

// AppendCard adds a committed card to the end of a board's card list.
// Returns false if the board isn't cached or the card is still local.
func (c *Cache) AppendCard(boardID string, card schema.Card) bool {
	if card.IsNew() {
		c.config.Logger.Printf("Warning: refusing to cache local card %s", card.ID)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(boardID)
	if i < 0 {
		return false
	}
	c.boards[i].Cards = append(c.boards[i].Cards, card.Clone())
	c.persistBoard(i)
	return true
}

// ReplaceCard overwrites the cached card with the same id.
// Returns false if the board or card isn't cached, or the card is still local.
func (c *Cache) ReplaceCard(boardID string, card schema.Card) bool {
	if card.IsNew() {
		c.config.Logger.Printf("Warning: refusing to cache local card %s", card.ID)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(boardID)
	if i < 0 {
		return false
	}
	j := c.boards[i].IndexOf(card.ID)
	if j < 0 {
		return false
	}
	c.boards[i].Cards[j] = card.Clone()
	c.persistBoard(i)
	return true
}

// RemoveCard deletes the cached card with the given id.
// Returns false if the board or card isn't cached.
func (c *Cache) RemoveCard(boardID, cardID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(boardID)
	if i < 0 {
		return false
	}
	j := c.boards[i].IndexOf(cardID)
	if j < 0 {
		return false
	}
	cards := c.boards[i].Cards
	c.boards[i].Cards = append(cards[:j], cards[j+1:]...)
	c.persistBoard(i)
	return true
}

// PatchCards applies partial updates to cached cards matched by id and
// returns how many matched. Unknown ids are skipped.
func (c *Cache) PatchCards(boardID string, patches []schema.CardPatch) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(boardID)
	if i < 0 {
		return 0
	}

	applied := 0
	for _, p := range patches {
		if j := c.boards[i].IndexOf(p.ID); j >= 0 {
			c.boards[i].Cards[j].Apply(p)
			applied++
		}
	}
	if applied > 0 {
		c.persistBoard(i)
	}
	return applied
}

func (c *Cache) indexOf(id string) int {
	for i := range c.boards {
		if c.boards[i].ID == id {
			return i
		}
	}
	return -1
}

// persistBoard writes one board row. Caller holds c.mu.
func (c *Cache) persistBoard(i int) {
	b := c.boards[i]
	data, err := json.Marshal(b)
	if err != nil {
		c.config.Logger.Printf("Failed to marshal board %s: %v", b.ID, err)
		return
	}
	c.write(func(ctx context.Context) error {
		return c.db.PutBoard(ctx, store.BoardRow{ID: b.ID, Position: i, Data: data})
	})
}

// persistAll rewrites every board row after a structural change. Caller holds c.mu.
func (c *Cache) persistAll() {
	rows := make([]store.BoardRow, 0, len(c.boards))
	for i, b := range c.boards {
		data, err := json.Marshal(b)
		if err != nil {
			c.config.Logger.Printf("Failed to marshal board %s: %v", b.ID, err)
			continue
		}
		rows = append(rows, store.BoardRow{ID: b.ID, Position: i, Data: data})
	}
	c.write(func(ctx context.Context) error {
		return c.db.ReplaceBoards(ctx, rows)
	})
}
