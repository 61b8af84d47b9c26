package api

import (
	"encoding/json"
	"time"

	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
)

// The authority speaks ISO-8601 timestamps; the client keeps epoch
// milliseconds. The DTOs below are the wire shapes.

// CardDTO is a card as served by the authority.
type CardDTO struct {
	ID       string          `json:"id"`
	Type     schema.CardType `json:"type"`
	Pos      schema.Pos      `json:"pos"`
	Content  json.RawMessage `json:"content,omitempty"`
	Created  time.Time       `json:"created"`
	Modified time.Time       `json:"modified"`
}

// BoardDTO is a board as served by the authority. Cards is empty in board
// listings.
type BoardDTO struct {
	ID       string    `json:"id"`
	Owner    string    `json:"owner"`
	Name     string    `json:"name"`
	Cards    []CardDTO `json:"cards,omitempty"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// UserDTO is the signed-in account as served by the authority.
type UserDTO struct {
	ID      string    `json:"id"`
	Email   string    `json:"email"`
	Created time.Time `json:"created"`
}

// MutationsRequest is the body of POST /board/{id}/mutations. Entries are in
// FIFO order; the authority deduplicates by seq.
type MutationsRequest struct {
	Mutations []queue.Entry `json:"mutations"`
}

// MutationsResponse reports how many entries the authority applied.
type MutationsResponse struct {
	Applied int `json:"applied"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Card converts the DTO to a committed card.
func (d CardDTO) Card() schema.Card {
	return schema.Card{
		ID:       d.ID,
		Type:     d.Type,
		Pos:      d.Pos,
		Content:  d.Content,
		Created:  toMillis(d.Created),
		Modified: toMillis(d.Modified),
	}
}

// NewCardDTO converts a card to its wire form.
func NewCardDTO(c schema.Card) CardDTO {
	return CardDTO{
		ID:       c.ID,
		Type:     c.Type,
		Pos:      c.Pos,
		Content:  c.Content,
		Created:  fromMillis(c.Created),
		Modified: fromMillis(c.Modified),
	}
}

// Board converts the DTO to a board.
func (d BoardDTO) Board() schema.Board {
	b := schema.Board{
		ID:       d.ID,
		Owner:    d.Owner,
		Name:     d.Name,
		Created:  toMillis(d.Created),
		Modified: toMillis(d.Modified),
	}
	if d.Cards != nil {
		b.Cards = make([]schema.Card, 0, len(d.Cards))
		for _, c := range d.Cards {
			b.Cards = append(b.Cards, c.Card())
		}
	}
	return b
}

// NewBoardDTO converts a board to its wire form. withCards controls whether
// the card list is included.
func NewBoardDTO(b schema.Board, withCards bool) BoardDTO {
	d := BoardDTO{
		ID:       b.ID,
		Owner:    b.Owner,
		Name:     b.Name,
		Created:  fromMillis(b.Created),
		Modified: fromMillis(b.Modified),
	}
	if withCards {
		d.Cards = make([]CardDTO, 0, len(b.Cards))
		for _, c := range b.Cards {
			d.Cards = append(d.Cards, NewCardDTO(c))
		}
	}
	return d
}

// User converts the DTO to a user.
func (d UserDTO) User() schema.User {
	return schema.User{ID: d.ID, Email: d.Email, Created: toMillis(d.Created)}
}

// NewUserDTO converts a user to its wire form.
func NewUserDTO(u schema.User) UserDTO {
	return UserDTO{ID: u.ID, Email: u.Email, Created: fromMillis(u.Created)}
}
