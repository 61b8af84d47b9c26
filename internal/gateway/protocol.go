package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cardwall/cardsync/internal/schema"
)

// MessageType identifies a gateway message.
type MessageType string

const (
	// TypeJoinBoard subscribes the connection to a board's events
	TypeJoinBoard MessageType = "userJoinBoard"

	// TypeLeaveBoard drops the connection's board subscription
	TypeLeaveBoard MessageType = "userLeaveBoard"

	TypeCreateCard  MessageType = "createCard"
	TypeUpdateCards MessageType = "updateCards"
	TypeDeleteCard  MessageType = "deleteCard"

	// TypePing and TypePong are the heartbeat pair; pongs never reach subscribers
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the JSON envelope exchanged over the gateway connection.
type Message struct {
	Type  MessageType        `json:"type"`
	Board string             `json:"board,omitempty"`
	Card  *schema.CardPatch  `json:"card,omitempty"`
	Cards []schema.CardPatch `json:"cards,omitempty"`
}

// JoinBoard builds a userJoinBoard message.
func JoinBoard(board string) Message {
	return Message{Type: TypeJoinBoard, Board: board}
}

// LeaveBoard builds a userLeaveBoard message.
func LeaveBoard() Message {
	return Message{Type: TypeLeaveBoard}
}

// CreateCard builds a createCard message carrying the full card.
func CreateCard(board string, c schema.Card) Message {
	p := schema.CreatePatch(c)
	return Message{Type: TypeCreateCard, Board: board, Card: &p}
}

// UpdateCards builds an updateCards message; each entry carries id, pos,
// content and modified.
func UpdateCards(board string, cards ...schema.Card) Message {
	patches := make([]schema.CardPatch, 0, len(cards))
	for _, c := range cards {
		patches = append(patches, schema.UpdatePatch(c))
	}
	return Message{Type: TypeUpdateCards, Board: board, Cards: patches}
}

// DeleteCard builds a deleteCard message carrying only the card id.
func DeleteCard(board, id string) Message {
	p := schema.RefPatch(id)
	return Message{Type: TypeDeleteCard, Board: board, Card: &p}
}

// Ping builds a heartbeat message.
func Ping() Message {
	return Message{Type: TypePing}
}

// Pong builds a heartbeat reply.
func Pong() Message {
	return Message{Type: TypePong}
}

// ErrMalformed is returned by Parse for payloads that are not a message.
var ErrMalformed = errors.New("malformed gateway message")

// Parse decodes an inbound payload.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// CreatedCard returns the card carried by a createCard message. It reports
// false when the message is not a valid creation.
func (m Message) CreatedCard() (schema.Card, bool) {
	if m.Type != TypeCreateCard || m.Card == nil {
		return schema.Card{}, false
	}
	c := m.Card.Card()
	if err := c.Validate(); err != nil {
		return schema.Card{}, false
	}
	return c, true
}

// DeletedCardID returns the id carried by a deleteCard message.
func (m Message) DeletedCardID() (string, bool) {
	if m.Type != TypeDeleteCard || m.Card == nil || m.Card.ID == "" {
		return "", false
	}
	return m.Card.ID, true
}
