package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CardType names the kind of content a card holds.
type CardType string

const (
	CardBox   CardType = "box"
	CardText  CardType = "text"
	CardImage CardType = "image"
	CardLink  CardType = "link"
	CardAudio CardType = "audio"
	CardVideo CardType = "video"
)

// IsValid reports whether t is a known card type.
func (t CardType) IsValid() bool {
	switch t {
	case CardBox, CardText, CardImage, CardLink, CardAudio, CardVideo:
		return true
	}
	return false
}

// CardState tracks whether a card has been committed.
type CardState int

const (
	// Committed cards are mirrored in the cache and known to the authority.
	Committed CardState = iota
	// LocalNew cards exist only in a session's working list.
	LocalNew
)

// String returns a human-readable representation of the state.
func (s CardState) String() string {
	switch s {
	case Committed:
		return "committed"
	case LocalNew:
		return "local-new"
	default:
		return "unknown"
	}
}

// Pos is a position on the board canvas.
type Pos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Card is a single content unit positioned on a board.
type Card struct {
	ID       string          `json:"id"`
	Type     CardType        `json:"type"`
	Pos      Pos             `json:"pos"`
	Content  json.RawMessage `json:"content,omitempty"`
	Created  int64           `json:"created"`
	Modified int64           `json:"modified"`

	// State is never serialized; decoded cards are Committed.
	State CardState `json:"-"`
}

// NewID returns a fresh, time-ordered card id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsNew reports whether the card exists only locally.
func (c *Card) IsNew() bool {
	return c.State == LocalNew
}

// Clone returns an independent copy of the card.
func (c Card) Clone() Card {
	c.Content = cloneRaw(c.Content)
	return c
}

// Validate checks if the Card has valid field values.
func (c *Card) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid card type: %q", c.Type)
	}
	if len(c.Content) > 0 && !json.Valid(c.Content) {
		return fmt.Errorf("content of card %s is not valid JSON", c.ID)
	}
	return nil
}

// Apply copies the fields present in p onto the card. Fields absent from
// the patch are left untouched. The id is never changed.
func (c *Card) Apply(p CardPatch) {
	if v, ok := p.Type.Get(); ok {
		c.Type = v
	}
	if v, ok := p.Pos.Get(); ok {
		c.Pos = v
	}
	if v, ok := p.Content.Get(); ok {
		c.Content = cloneRaw(v)
	}
	if v, ok := p.Created.Get(); ok {
		c.Created = v
	}
	if p.Modified != 0 {
		c.Modified = p.Modified
	}
}

// TextContent builds the content payload of a text card.
func TextContent(text string) json.RawMessage {
	data, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{text})
	return data
}

// ContentEqual reports whether two content payloads are byte-identical after
// trimming surrounding whitespace.
func ContentEqual(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

// CardPatch is a partial card. Mutation queue entries and gateway
// updateCards messages carry patches rather than whole cards.
type CardPatch struct {
	ID       string                    `json:"id"`
	Type     Optional[CardType]        `json:"type,omitzero"`
	Pos      Optional[Pos]             `json:"pos,omitzero"`
	Content  Optional[json.RawMessage] `json:"content,omitzero"`
	Created  Optional[int64]           `json:"created,omitzero"`
	Modified int64                     `json:"modified,omitempty"`
}

// CreatePatch carries every field of a newly committed card.
func CreatePatch(c Card) CardPatch {
	return CardPatch{
		ID:       c.ID,
		Type:     Some(c.Type),
		Pos:      Some(c.Pos),
		Content:  Some(cloneRaw(c.Content)),
		Created:  Some(c.Created),
		Modified: c.Modified,
	}
}

// UpdatePatch carries the mutable fields of a card: id, pos, content and
// modified. Type and created are immutable after creation.
func UpdatePatch(c Card) CardPatch {
	return CardPatch{
		ID:       c.ID,
		Pos:      Some(c.Pos),
		Content:  Some(cloneRaw(c.Content)),
		Modified: c.Modified,
	}
}

// DeletePatch identifies a deleted card and when it was deleted.
func DeletePatch(id string, modified int64) CardPatch {
	return CardPatch{ID: id, Modified: modified}
}

// RefPatch identifies a card by id only.
func RefPatch(id string) CardPatch {
	return CardPatch{ID: id}
}

// Card materializes the patch as a full card. Absent fields keep their zero value.
func (p CardPatch) Card() Card {
	c := Card{ID: p.ID}
	c.Apply(p)
	return c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
