package schema

import "fmt"

// Board is a named collection of cards. Cards keep insertion order.
type Board struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	Cards    []Card `json:"cards"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
}

// Clone returns an independent copy of the board and its cards.
func (b Board) Clone() Board {
	if b.Cards != nil {
		cards := make([]Card, len(b.Cards))
		for i, c := range b.Cards {
			cards[i] = c.Clone()
		}
		b.Cards = cards
	}
	return b
}

// Validate checks if the Board has valid field values.
func (b *Board) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	for i := range b.Cards {
		if err := b.Cards[i].Validate(); err != nil {
			return fmt.Errorf("board %s: %w", b.ID, err)
		}
	}
	return nil
}

// IndexOf returns the position of the card with the given id, or -1.
func (b *Board) IndexOf(cardID string) int {
	for i := range b.Cards {
		if b.Cards[i].ID == cardID {
			return i
		}
	}
	return -1
}

// User is the signed-in account.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Created int64  `json:"created"`
}
