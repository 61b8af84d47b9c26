package queue

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/store"
)

// setupQueue creates a queue over a fresh temp database.
func setupQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return New(db, &Config{Logger: log.New(io.Discard, "", 0)})
}

func testCard(id string) schema.Card {
	return schema.Card{
		ID:       id,
		Type:     schema.CardText,
		Pos:      schema.Pos{X: 1, Y: 2},
		Content:  schema.TextContent(id),
		Created:  100,
		Modified: 100,
	}
}

func TestEnqueue_PreservesCallOrder(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	c := testCard("c1")
	q.Enqueue(NewCreate("b1", c))
	c.Modified = 200
	q.Enqueue(NewUpdate("b1", c))
	q.Enqueue(NewDelete("b1", c, 300))

	entries, err := q.Pending(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}

	want := []MutationType{Create, Update, Delete}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Type != w {
			t.Errorf("entry %d type = %s, want %s", i, entries[i].Type, w)
		}
		if entries[i].Board != "b1" || entries[i].Card.ID != "c1" {
			t.Errorf("entry %d = %+v", i, entries[i])
		}
	}
}

func TestEnqueue_EntryShapes(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	c := testCard("c1")
	q.Enqueue(NewCreate("b1", c))
	q.Enqueue(NewUpdate("b1", c))
	q.Enqueue(NewDelete("b1", c, 999))

	entries, err := q.Pending(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}

	create, update, del := entries[0].Card, entries[1].Card, entries[2].Card

	if !create.Type.IsSet() || !create.Created.IsSet() {
		t.Error("create entry should carry type and created")
	}
	if update.Type.IsSet() || update.Created.IsSet() {
		t.Error("update entry must not carry type or created")
	}
	if !update.Pos.IsSet() || !update.Content.IsSet() || update.Modified != 100 {
		t.Errorf("update entry = %+v, want pos, content, modified", update)
	}
	if del.Pos.IsSet() || del.Content.IsSet() || del.Modified != 999 {
		t.Errorf("delete entry = %+v, want id and modified only", del)
	}
}

func TestEnqueue_DropsLocalCards(t *testing.T) {
	q := setupQueue(t)

	c := testCard("c1")
	c.State = schema.LocalNew
	q.Enqueue(NewCreate("b1", c))
	q.Enqueue(NewUpdate("b1", c))

	n, err := q.Len(context.Background())
	if err != nil {
		t.Fatalf("Len() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestNotify_CoalescesSignals(t *testing.T) {
	q := setupQueue(t)

	q.Enqueue(NewCreate("b1", testCard("c1")))
	q.Enqueue(NewCreate("b1", testCard("c2")))

	select {
	case <-q.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}

	select {
	case <-q.Notify():
		t.Fatal("signals should be coalesced")
	default:
	}
}

func TestAck_RemovesOnlyAcknowledged(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	q.Enqueue(NewCreate("b1", testCard("c1")))
	q.Enqueue(NewCreate("b2", testCard("c2")))
	q.Enqueue(NewCreate("b1", testCard("c3")))

	boards, err := q.Boards(ctx)
	if err != nil {
		t.Fatalf("Boards() failed: %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("Boards() = %v, want 2 boards", boards)
	}

	first, err := q.Pending(ctx, "b1", 1)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(first) != 1 || first[0].Card.ID != "c1" {
		t.Fatalf("Pending(limit=1) = %+v, want c1", first)
	}

	if err := q.Ack(ctx, first[0].Seq); err != nil {
		t.Fatalf("Ack() failed: %v", err)
	}

	rest, err := q.Pending(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Card.ID != "c3" {
		t.Errorf("remaining b1 entries = %+v, want c3", rest)
	}
}

func TestSince_FiltersByEnqueueTime(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	now := time.Now()
	q.config.Now = func() time.Time { return now.Add(-3 * time.Hour) }
	q.Enqueue(NewCreate("b1", testCard("old")))
	q.config.Now = func() time.Time { return now }
	q.Enqueue(NewCreate("b1", testCard("new")))

	got, err := q.Since(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Since() failed: %v", err)
	}
	if len(got) != 1 || got[0].Card.ID != "new" {
		t.Errorf("Since() = %+v, want only the recent entry", got)
	}
}
