package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cardwall/cardsync/internal/api"
	"github.com/cardwall/cardsync/internal/appstate"
	"github.com/cardwall/cardsync/internal/cache"
	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/store"
)

// fakeGateway records outbound messages and lets tests drive connectivity
// and inbound events.
type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	sent      []gateway.Message
	handlers  map[int]gateway.Handler
	listeners map[int]func(bool)
	next      int
}

func newFakeGateway(connected bool) *fakeGateway {
	return &fakeGateway{
		connected: connected,
		handlers:  make(map[int]gateway.Handler),
		listeners: make(map[int]func(bool)),
	}
}

func (g *fakeGateway) Send(msg gateway.Message, opts ...gateway.SendOption) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return false
	}
	g.sent = append(g.sent, msg)
	return true
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) Subscribe(h gateway.Handler) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	g.handlers[id] = h
	return func() {
		g.mu.Lock()
		delete(g.handlers, id)
		g.mu.Unlock()
	}
}

func (g *fakeGateway) OnConnectionChange(fn func(bool)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	g.listeners[id] = fn
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

func (g *fakeGateway) setConnected(connected bool) {
	g.mu.Lock()
	g.connected = connected
	fns := make([]func(bool), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func (g *fakeGateway) deliver(msg gateway.Message) {
	g.mu.Lock()
	hs := make([]gateway.Handler, 0, len(g.handlers))
	for _, h := range g.handlers {
		hs = append(hs, h)
	}
	g.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
}

func (g *fakeGateway) sentOfType(t gateway.MessageType) []gateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gateway.Message
	for _, m := range g.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeFetcher serves a fixed board or error and signals every call.
type fakeFetcher struct {
	mu    sync.Mutex
	board schema.Board
	err   error
	calls chan struct{}
}

func newFakeFetcher(b schema.Board) *fakeFetcher {
	return &fakeFetcher{board: b, calls: make(chan struct{}, 100)}
}

func (f *fakeFetcher) Board(ctx context.Context, id string) (schema.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls <- struct{}{}
	if f.err != nil {
		return schema.Board{}, f.err
	}
	return f.board.Clone(), nil
}

func (f *fakeFetcher) set(b schema.Board, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.board = b
	f.err = err
}

type harness struct {
	mirror  *cache.Cache
	queue   *queue.Queue
	gateway *fakeGateway
	fetcher *fakeFetcher
	state   *appstate.State
	clock   int64
}

func newHarness(t *testing.T, remote schema.Board) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	discard := log.New(io.Discard, "", 0)
	mirror := cache.New(db, &cache.Config{Logger: discard})
	mirror.Load(context.Background())
	if err := mirror.Wait(context.Background()); err != nil {
		t.Fatalf("cache Wait() failed: %v", err)
	}

	return &harness{
		mirror:  mirror,
		queue:   queue.New(db, &queue.Config{Logger: discard}),
		gateway: newFakeGateway(true),
		fetcher: newFakeFetcher(remote),
		state:   appstate.New(mirror),
		clock:   1000,
	}
}

func (h *harness) session(t *testing.T, board string) *Session {
	t.Helper()

	s := New(board, Deps{
		Mirror:  h.mirror,
		Queue:   h.queue,
		Gateway: h.gateway,
		Fetcher: h.fetcher,
		State:   h.state,
	}, &Config{
		Clock:  func() int64 { return h.clock },
		Logger: log.New(io.Discard, "", 0),
	})
	t.Cleanup(s.Close)
	return s
}

func (h *harness) open(t *testing.T, board string) *Session {
	t.Helper()

	s := h.session(t, board)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s
}

func (h *harness) entries(t *testing.T, board string) []queue.Entry {
	t.Helper()
	entries, err := h.queue.Pending(context.Background(), board, 0)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	return entries
}

func committedCard(id string, modified int64) schema.Card {
	return schema.Card{
		ID:       id,
		Type:     schema.CardText,
		Content:  schema.TextContent(id),
		Created:  modified,
		Modified: modified,
	}
}

func remoteBoard(id string, cards ...schema.Card) schema.Board {
	return schema.Board{ID: id, Name: "Board " + id, Cards: cards}
}

func waitCalls(t *testing.T, f *fakeFetcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for fetch %d of %d", i+1, n)
		}
	}
}

func TestCreateThenCommit(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	s := h.open(t, "b1")

	a := s.CreateCard(CardInit{Type: schema.CardText, Content: schema.TextContent("A")})
	if !a.IsNew() {
		t.Fatal("created card should be local")
	}
	if !h.state.Pending(appstate.NewCards) {
		t.Error("pendingWork should contain new-cards after create")
	}
	if n := len(h.entries(t, "b1")); n != 0 {
		t.Errorf("queue has %d entries before commit, want 0", n)
	}
	if n := len(h.gateway.sentOfType(gateway.TypeCreateCard)); n != 0 {
		t.Errorf("sent %d createCard before commit, want 0", n)
	}

	a.Pos = schema.Pos{X: 5, Y: 6}
	if err := s.UpdateCard(a, true); err != nil {
		t.Fatalf("UpdateCard(create) failed: %v", err)
	}

	if h.state.Pending(appstate.NewCards) {
		t.Error("pendingWork should not contain new-cards after commit")
	}

	entries := h.entries(t, "b1")
	if len(entries) != 1 || entries[0].Type != queue.Create || entries[0].Card.ID != a.ID {
		t.Errorf("queue = %+v, want one create for %s", entries, a.ID)
	}

	b, ok := h.mirror.Board("b1")
	if !ok || b.IndexOf(a.ID) < 0 {
		t.Error("durable mirror should contain the committed card")
	}

	if n := len(h.gateway.sentOfType(gateway.TypeCreateCard)); n != 1 {
		t.Errorf("sent %d createCard, want 1", n)
	}

	got, _ := s.Card(a.ID)
	if got.IsNew() || got.Pos != (schema.Pos{X: 5, Y: 6}) {
		t.Errorf("working card = %+v", got)
	}
}

func TestCommit_AlreadyCommittedFails(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("c1", 100)))
	s := h.open(t, "b1")

	c, _ := s.Card("c1")
	if err := s.UpdateCard(c, true); !errors.Is(err, ErrNotLocal) {
		t.Errorf("UpdateCard(create) error = %v, want ErrNotLocal", err)
	}
	if err := s.UpdateCard(committedCard("missing", 1), false); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("UpdateCard(missing) error = %v, want ErrCardNotFound", err)
	}
}

func TestNewCardsNeverLeakBeforeCommit(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	s := h.open(t, "b1")

	a := s.CreateCard(CardInit{})
	a.Content = schema.TextContent("edited")
	if err := s.UpdateCard(a, false); err != nil {
		t.Fatalf("UpdateCard() failed: %v", err)
	}
	if err := s.UpdateMany([]schema.Card{a}); err != nil {
		t.Fatalf("UpdateMany() failed: %v", err)
	}

	if n := len(h.entries(t, "b1")); n != 0 {
		t.Errorf("queue has %d entries for a local card, want 0", n)
	}
	if len(h.gateway.sentOfType(gateway.TypeUpdateCards)) != 0 {
		t.Error("local card edits must not reach the gateway")
	}
	if b, _ := h.mirror.Board("b1"); b.IndexOf(a.ID) >= 0 {
		t.Error("local card must not reach the mirror")
	}

	got, _ := s.Card(a.ID)
	if !schema.ContentEqual(got.Content, schema.TextContent("edited")) {
		t.Errorf("local edit not applied: %s", got.Content)
	}
}

func TestDeleteLocal_NoSideEffects(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	s := h.open(t, "b1")

	a := s.CreateCard(CardInit{})
	if err := s.DeleteCard(a.ID); err != nil {
		t.Fatalf("DeleteCard() failed: %v", err)
	}

	if n := len(h.entries(t, "b1")); n != 0 {
		t.Errorf("queue has %d entries, want 0", n)
	}
	if n := len(h.gateway.sentOfType(gateway.TypeDeleteCard)); n != 0 {
		t.Errorf("sent %d deleteCard, want 0", n)
	}
	if !h.state.CanExit() {
		t.Error("deleting the last local card should release new-cards")
	}
	if _, ok := s.Card(a.ID); ok {
		t.Error("card should be gone from the working list")
	}
}

func TestDeleteCommitted_ExactlyOneEach(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("c1", 100)))
	s := h.open(t, "b1")

	h.clock = 5000
	if err := s.DeleteCard("c1"); err != nil {
		t.Fatalf("DeleteCard() failed: %v", err)
	}

	entries := h.entries(t, "b1")
	if len(entries) != 1 || entries[0].Type != queue.Delete {
		t.Fatalf("queue = %+v, want one delete", entries)
	}
	if entries[0].Card.Modified != 5000 || entries[0].Card.Content.IsSet() {
		t.Errorf("delete entry = %+v, want id and modified only", entries[0].Card)
	}

	sent := h.gateway.sentOfType(gateway.TypeDeleteCard)
	if len(sent) != 1 {
		t.Fatalf("sent %d deleteCard, want 1", len(sent))
	}
	if id, _ := sent[0].DeletedCardID(); id != "c1" {
		t.Errorf("deleteCard id = %s, want c1", id)
	}

	if b, _ := h.mirror.Board("b1"); b.IndexOf("c1") >= 0 {
		t.Error("card should be removed from the mirror")
	}
}

func TestDeleteMany_ReportsMissing(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("c1", 100), committedCard("c2", 100)))
	s := h.open(t, "b1")

	err := s.DeleteMany([]string{"c1", "nope", "c2"})
	if !errors.Is(err, ErrCardNotFound) {
		t.Errorf("DeleteMany() error = %v, want ErrCardNotFound", err)
	}
	if len(s.Cards()) != 0 {
		t.Errorf("cards left = %+v, want none", s.Cards())
	}
	if n := len(h.entries(t, "b1")); n != 2 {
		t.Errorf("queue has %d entries, want 2", n)
	}
}

func TestUpdateCard_StampsAndPublishes(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("c1", 100)))
	s := h.open(t, "b1")

	c, _ := s.Card("c1")
	c.Pos = schema.Pos{X: 9, Y: 9}
	c.Type = schema.CardImage
	h.clock = 2000
	if err := s.UpdateCard(c, false); err != nil {
		t.Fatalf("UpdateCard() failed: %v", err)
	}

	got, _ := s.Card("c1")
	if got.Modified != 2000 || got.Pos != c.Pos {
		t.Errorf("working card = %+v", got)
	}
	if got.Type != schema.CardText {
		t.Error("type is immutable after creation")
	}

	mirrored, _ := h.mirror.Board("b1")
	if mirrored.Cards[0].Modified != 2000 {
		t.Errorf("mirror modified = %d, want 2000", mirrored.Cards[0].Modified)
	}

	entries := h.entries(t, "b1")
	if len(entries) != 1 || entries[0].Type != queue.Update {
		t.Fatalf("queue = %+v, want one update", entries)
	}
	if entries[0].Card.Type.IsSet() || entries[0].Card.Created.IsSet() {
		t.Error("update entries must not carry type or created")
	}

	sent := h.gateway.sentOfType(gateway.TypeUpdateCards)
	if len(sent) != 1 || len(sent[0].Cards) != 1 || sent[0].Cards[0].Modified != 2000 {
		t.Errorf("updateCards = %+v", sent)
	}
}

func TestUpdateMany_StrictlyIncreasingInOriginalOrder(t *testing.T) {
	h := newHarness(t, remoteBoard("b1",
		committedCard("late", 300),
		committedCard("early", 100),
		committedCard("middle", 200),
	))
	s := h.open(t, "b1")

	h.clock = 1000
	if err := s.UpdateMany(s.Cards()); err != nil {
		t.Fatalf("UpdateMany() failed: %v", err)
	}

	want := map[string]int64{"early": 1000, "middle": 1001, "late": 1002}
	for id, m := range want {
		c, _ := s.Card(id)
		if c.Modified != m {
			t.Errorf("%s modified = %d, want %d", id, c.Modified, m)
		}
	}

	sent := h.gateway.sentOfType(gateway.TypeUpdateCards)
	if len(sent) != 1 || len(sent[0].Cards) != 3 {
		t.Fatalf("want one updateCards carrying 3 cards, got %+v", sent)
	}
	for i := 1; i < len(sent[0].Cards); i++ {
		if sent[0].Cards[i].Modified <= sent[0].Cards[i-1].Modified {
			t.Errorf("batch not strictly increasing: %+v", sent[0].Cards)
		}
	}

	// a second batch at the same wall clock still moves forward
	if err := s.UpdateMany(s.Cards()); err != nil {
		t.Fatalf("UpdateMany() failed: %v", err)
	}
	if c, _ := s.Card("early"); c.Modified != 1003 {
		t.Errorf("second batch early modified = %d, want 1003", c.Modified)
	}
}

func TestReconcile(t *testing.T) {
	x := json.RawMessage(`{"text":"X"}`)
	local := committedCard("local", 1)
	local.State = schema.LocalNew

	tests := []struct {
		name          string
		working       []schema.Card
		authoritative []schema.Card
		wantIDs       []string
		check         func(t *testing.T, got []schema.Card)
	}{
		{
			name:          "overwrites from authoritative",
			working:       []schema.Card{committedCard("1", 100)},
			authoritative: []schema.Card{{ID: "1", Type: schema.CardText, Content: x, Modified: 200}},
			wantIDs:       []string{"1"},
			check: func(t *testing.T, got []schema.Card) {
				if got[0].Modified != 200 || !schema.ContentEqual(got[0].Content, x) {
					t.Errorf("card 1 = %+v, want content X modified 200", got[0])
				}
			},
		},
		{
			name:          "drops remotely deleted",
			working:       []schema.Card{committedCard("1", 1), committedCard("2", 1)},
			authoritative: []schema.Card{committedCard("1", 1)},
			wantIDs:       []string{"1"},
		},
		{
			name:          "keeps local cards",
			working:       []schema.Card{local, committedCard("2", 1)},
			authoritative: nil,
			wantIDs:       []string{"local"},
		},
		{
			name:          "appends unclaimed in authoritative order",
			working:       []schema.Card{committedCard("2", 1)},
			authoritative: []schema.Card{committedCard("3", 1), committedCard("2", 1), committedCard("4", 1)},
			wantIDs:       []string{"2", "3", "4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.working, tt.authoritative)
			if ids := cardIDs(got); !equalStrings(ids, tt.wantIDs) {
				t.Fatalf("ids = %v, want %v", ids, tt.wantIDs)
			}
			if tt.check != nil {
				tt.check(t, got)
			}

			again := Reconcile(got, tt.authoritative)
			if !equalCards(got, again) {
				t.Errorf("not idempotent:\nfirst  %+v\nsecond %+v", got, again)
			}
		})
	}
}

func TestReconcile_DoesNotModifyInputs(t *testing.T) {
	working := []schema.Card{committedCard("1", 1), committedCard("2", 1)}
	auth := []schema.Card{committedCard("1", 9)}

	Reconcile(working, auth)

	if len(working) != 2 || working[0].Modified != 1 {
		t.Errorf("working list modified: %+v", working)
	}
}

func TestRefresh_MergesRemoteChanges(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("1", 100), committedCard("2", 100)))
	s := h.open(t, "b1")
	local := s.CreateCard(CardInit{})

	x := json.RawMessage(`{"text":"X"}`)
	h.fetcher.set(remoteBoard("b1", schema.Card{ID: "1", Type: schema.CardText, Content: x, Modified: 200}), nil)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	if ids := cardIDs(s.Cards()); !equalStrings(ids, []string{"1", local.ID}) {
		t.Errorf("ids = %v, want [1 %s]", ids, local.ID)
	}
	c, _ := s.Card("1")
	if c.Modified != 200 || !schema.ContentEqual(c.Content, x) {
		t.Errorf("card 1 = %+v", c)
	}

	b, _ := h.mirror.Board("b1")
	if ids := cardIDs(b.Cards); !equalStrings(ids, []string{"1"}) {
		t.Errorf("mirror ids = %v, want [1]", ids)
	}
}

func TestRefresh_NotFoundRemovesBoard(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("1", 100)))
	s := h.open(t, "b1")

	h.fetcher.set(schema.Board{}, &api.StatusError{Method: "GET", Path: "/board/b1", Code: http.StatusNotFound})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v, want nil for 404", err)
	}

	if _, ok := h.mirror.Board("b1"); ok {
		t.Error("board should be removed from the mirror")
	}
	if !s.Deleted() {
		t.Error("Deleted() = false")
	}
	if len(s.Cards()) != 0 {
		t.Errorf("cards = %+v, want none", s.Cards())
	}
}

func TestOpen_FetchFailure(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("cached board degrades to cache", func(t *testing.T) {
		h := newHarness(t, remoteBoard("b1"))
		h.mirror.PutBoard(remoteBoard("b1", committedCard("cached", 1)))
		h.fetcher.set(schema.Board{}, boom)

		s := h.open(t, "b1")
		if ids := cardIDs(s.Cards()); !equalStrings(ids, []string{"cached"}) {
			t.Errorf("ids = %v, want [cached]", ids)
		}
	})

	t.Run("uncached board propagates", func(t *testing.T) {
		h := newHarness(t, remoteBoard("b1"))
		h.fetcher.set(schema.Board{}, boom)

		s := h.session(t, "b1")
		if err := s.Open(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Open() error = %v, want %v", err, boom)
		}
	})
}

func TestGateway_IncrementalEvents(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("1", 100)))
	s := h.open(t, "b1")

	var events []Event
	var mu sync.Mutex
	s.OnChange(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	remote := committedCard("2", 150)
	h.gateway.deliver(gateway.CreateCard("b1", remote))
	h.gateway.deliver(gateway.CreateCard("b1", remote))
	h.gateway.deliver(gateway.CreateCard("other", committedCard("3", 1)))

	if ids := cardIDs(s.Cards()); !equalStrings(ids, []string{"1", "2"}) {
		t.Fatalf("ids = %v, want [1 2]", ids)
	}
	if b, _ := h.mirror.Board("b1"); len(b.Cards) != 2 {
		t.Errorf("mirror has %d cards, want 2", len(b.Cards))
	}

	// partial update: only pos and modified
	h.gateway.deliver(gateway.Message{
		Type:  gateway.TypeUpdateCards,
		Board: "b1",
		Cards: []schema.CardPatch{{ID: "1", Pos: schema.Some(schema.Pos{X: 7}), Modified: 300}},
	})
	c, _ := s.Card("1")
	if c.Pos.X != 7 || c.Modified != 300 || !schema.ContentEqual(c.Content, schema.TextContent("1")) {
		t.Errorf("card 1 after partial update = %+v", c)
	}

	h.gateway.deliver(gateway.DeleteCard("b1", "2"))
	if _, ok := s.Card("2"); ok {
		t.Error("card 2 should be deleted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Errorf("got %d events, want 3 (create, update, delete)", len(events))
	}
}

func TestGateway_UnknownIDsAreNoOps(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("1", 100)))
	s := h.open(t, "b1")
	before := s.Cards()

	h.gateway.deliver(gateway.UpdateCards("b1", committedCard("ghost", 1)))
	h.gateway.deliver(gateway.DeleteCard("b1", "ghost"))

	if !equalCards(before, s.Cards()) {
		t.Errorf("working list changed: %+v", s.Cards())
	}
}

func TestReconnect_RejoinsOnceAndRefreshes(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	s := h.open(t, "b1")
	waitCalls(t, h.fetcher, 1)

	if n := len(h.gateway.sentOfType(gateway.TypeJoinBoard)); n != 1 {
		t.Fatalf("sent %d joins on open, want 1", n)
	}

	h.fetcher.set(remoteBoard("b1", committedCard("fresh", 1)), nil)
	h.gateway.setConnected(false)
	h.gateway.setConnected(true)

	joins := h.gateway.sentOfType(gateway.TypeJoinBoard)
	if len(joins) != 2 || joins[1].Board != "b1" {
		t.Errorf("joins = %+v, want exactly one more for b1", joins)
	}

	waitCalls(t, h.fetcher, 1)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Card("fresh"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reconnect did not trigger fetch-and-merge")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpen_JoinsAfterFirstConnect(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	h.gateway = newFakeGateway(false)
	h.open(t, "b1")

	if n := len(h.gateway.sentOfType(gateway.TypeJoinBoard)); n != 0 {
		t.Fatalf("sent %d joins while disconnected", n)
	}

	h.gateway.setConnected(true)
	if n := len(h.gateway.sentOfType(gateway.TypeJoinBoard)); n != 1 {
		t.Errorf("sent %d joins after connect, want 1", n)
	}
}

func TestClose_LeavesAndReleases(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	s := h.open(t, "b1")
	s.CreateCard(CardInit{})

	s.Close()
	s.Close()

	if n := len(h.gateway.sentOfType(gateway.TypeLeaveBoard)); n != 1 {
		t.Errorf("sent %d leaves, want 1", n)
	}
	if !h.state.CanExit() {
		t.Errorf("pending work after close: %v", h.state.PendingWork())
	}

	h.gateway.setConnected(false)
	h.gateway.setConnected(true)
	if n := len(h.gateway.sentOfType(gateway.TypeJoinBoard)); n != 1 {
		t.Errorf("closed session re-joined: %d joins", n)
	}
}

func TestPendingWork_SharedAcrossSessions(t *testing.T) {
	h := newHarness(t, remoteBoard("b1"))
	h.mirror.PutBoard(remoteBoard("b2"))
	s1 := h.open(t, "b1")
	s2 := h.session(t, "b2")
	h.fetcher.set(remoteBoard("b2"), nil)
	if err := s2.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	a := s1.CreateCard(CardInit{})
	b := s2.CreateCard(CardInit{})

	if err := s1.DeleteCard(a.ID); err != nil {
		t.Fatal(err)
	}
	if !h.state.Pending(appstate.NewCards) {
		t.Error("b2 still holds a local card")
	}
	if err := s2.DeleteCard(b.ID); err != nil {
		t.Fatal(err)
	}
	if h.state.Pending(appstate.NewCards) {
		t.Error("no session holds local cards")
	}
}

func cardIDs(cards []schema.Card) []string {
	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalCards(a, b []schema.Card) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Type != b[i].Type || a[i].Pos != b[i].Pos ||
			a[i].Created != b[i].Created || a[i].Modified != b[i].Modified ||
			a[i].State != b[i].State || !schema.ContentEqual(a[i].Content, b[i].Content) {
			return false
		}
	}
	return true
}

func TestClose_FromListenerOnBackgroundDelete(t *testing.T) {
	h := newHarness(t, remoteBoard("b1", committedCard("1", 100)))
	s := h.open(t, "b1")
	waitCalls(t, h.fetcher, 1)

	closed := make(chan struct{})
	s.OnChange(func(ev Event) {
		if ev.Kind == EventBoardDeleted {
			s.Close()
			close(closed)
		}
	})

	h.fetcher.set(schema.Board{}, &api.StatusError{Method: "GET", Path: "/board/b1", Code: http.StatusNotFound})
	h.gateway.setConnected(false)
	h.gateway.setConnected(true)

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() called by a listener during a background refresh did not return")
	}

	if !s.Deleted() {
		t.Error("Deleted() = false after 404")
	}
	if _, ok := s.Card("1"); ok {
		t.Error("committed card survived the board delete")
	}
}
