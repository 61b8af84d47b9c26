// Package queue provides the pending mutation queue: a durable, append-only
// log of card intents that the remote authority has not confirmed yet.
//
// Board sessions only append ("append and forget"). Entries are removed by
// the drain process once the authority acknowledges them, never by the
// session that produced them. Entries for one board keep call order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/store"
)

// MutationType is the kind of intent recorded in an entry.
type MutationType string

const (
	Create MutationType = "create"
	Update MutationType = "update"
	Delete MutationType = "delete"
)

// Entry is one queued intent.
type Entry struct {
	Seq        int64            `json:"seq"`
	Type       MutationType     `json:"type"`
	Board      string           `json:"board"`
	Card       schema.CardPatch `json:"card"`
	EnqueuedAt time.Time        `json:"enqueued_at"`

	local bool
}

// NewCreate records the creation of a committed card with all its fields.
func NewCreate(board string, c schema.Card) Entry {
	return Entry{Type: Create, Board: board, Card: schema.CreatePatch(c), local: c.IsNew()}
}

// NewUpdate records an update carrying id, pos, content and modified.
func NewUpdate(board string, c schema.Card) Entry {
	return Entry{Type: Update, Board: board, Card: schema.UpdatePatch(c), local: c.IsNew()}
}

// NewDelete records a deletion carrying id and the deletion time.
func NewDelete(board string, c schema.Card, modified int64) Entry {
	return Entry{Type: Delete, Board: board, Card: schema.DeletePatch(c.ID, modified), local: c.IsNew()}
}

// Config holds configuration for the queue.
type Config struct {
	// WriteTimeout bounds each append
	WriteTimeout time.Duration

	// Now returns the enqueue time (default: time.Now)
	Now func() time.Time

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WriteTimeout: 5 * time.Second,
		Now:          time.Now,
		Logger:       log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable mutation log.
type Queue struct {
	db     *store.DB
	config *Config

	// mu serializes appends so seq order matches call order
	mu     sync.Mutex
	signal chan struct{}
}

// New creates a queue over an initialized store.
func New(db *store.DB, config *Config) *Queue {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &Queue{
		db:     db,
		config: config,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an entry to the log. It never blocks on the caller's
// behalf beyond the store write and never returns an error: failures are
// logged. Entries built from local cards are dropped.
func (q *Queue) Enqueue(e Entry) {
	if e.local {
		q.config.Logger.Printf("Warning: dropping %s for local card %s", e.Type, e.Card.ID)
		return
	}

	data, err := json.Marshal(e.Card)
	if err != nil {
		q.config.Logger.Printf("Failed to marshal %s for card %s: %v", e.Type, e.Card.ID, err)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.config.WriteTimeout)
	defer cancel()

	seq, err := q.db.AppendMutation(ctx, store.MutationRow{
		Board:      e.Board,
		Type:       string(e.Type),
		Card:       data,
		EnqueuedAt: q.config.Now(),
	})
	if err != nil {
		q.config.Logger.Printf("Error enqueuing %s for card %s: %v", e.Type, e.Card.ID, err)
		return
	}

	q.config.Logger.Printf("Enqueued %s #%d: board=%s card=%s", e.Type, seq, e.Board, e.Card.ID)

	// coalesce wake-ups; the drain reads everything pending anyway
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives after entries are appended.
// Multiple appends may be coalesced into one signal.
func (q *Queue) Notify() <-chan struct{} {
	return q.signal
}

// Pending returns up to limit entries for a board in FIFO order (0 = all).
func (q *Queue) Pending(ctx context.Context, board string, limit int) ([]Entry, error) {
	return q.list(ctx, store.MutationFilter{Board: board, Limit: limit})
}

// Since returns every entry enqueued at or after t, across all boards.
func (q *Queue) Since(ctx context.Context, t time.Time) ([]Entry, error) {
	return q.list(ctx, store.MutationFilter{Since: t})
}

// Boards returns the boards that have pending entries.
func (q *Queue) Boards(ctx context.Context) ([]string, error) {
	return q.db.MutationBoards(ctx)
}

// Ack removes acknowledged entries by seq.
func (q *Queue) Ack(ctx context.Context, seqs ...int64) error {
	if err := q.db.DeleteMutations(ctx, seqs); err != nil {
		return fmt.Errorf("failed to ack entries: %w", err)
	}
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.db.MutationCount(ctx)
}

func (q *Queue) list(ctx context.Context, filter store.MutationFilter) ([]Entry, error) {
	rows, err := q.db.ListMutations(ctx, filter)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var p schema.CardPatch
		if err := json.Unmarshal(r.Card, &p); err != nil {
			return nil, fmt.Errorf("failed to parse entry #%d: %w", r.Seq, err)
		}
		entries = append(entries, Entry{
			Seq:        r.Seq,
			Type:       MutationType(r.Type),
			Board:      r.Board,
			Card:       p,
			EnqueuedAt: r.EnqueuedAt,
		})
	}
	return entries, nil
}
