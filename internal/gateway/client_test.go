package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cardwall/cardsync/internal/schema"
)

// testPeer is a minimal websocket authority: it records what it receives,
// answers pings and can push frames or drop connections.
type testPeer struct {
	srv      *httptest.Server
	received chan Message
	accepted chan struct{}

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	p := &testPeer{
		received: make(chan Message, 100),
		accepted: make(chan struct{}, 10),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(func() {
		p.dropAll()
		p.srv.Close()
	})
	return p
}

func (p *testPeer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *testPeer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	p.accepted <- struct{}{}

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == TypePing {
			pong, _ := json.Marshal(Pong())
			_ = conn.Write(ctx, websocket.MessageText, pong)
		}
		p.received <- msg
	}
}

func (p *testPeer) push(t *testing.T, data string) {
	t.Helper()

	p.mu.Lock()
	conn := p.conns[len(p.conns)-1]
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("failed to push frame: %v", err)
	}
}

func (p *testPeer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		_ = conn.CloseNow()
	}
	p.conns = nil
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := New(&Config{
		URL:               url,
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
		Logger:            log.New(io.Discard, "", 0),
	})
	t.Cleanup(c.Close)
	return c
}

func waitBool(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("connection change = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection change %v", want)
	}
}

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestSend_BuffersWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	peer := newTestPeer(t)
	c := newTestClient(t, peer.url())

	for _, board := range []string{"a", "b", "c"} {
		if c.Send(JoinBoard(board)) {
			t.Fatal("Send() should not transmit while disconnected")
		}
	}
	c.Send(Ping(), WithoutBuffer())

	if got := c.Buffered(); got != 3 {
		t.Fatalf("Buffered() = %d, want 3", got)
	}

	flushed := make(chan int, 1)
	c.OnConnectionChange(func(connected bool) {
		if connected {
			flushed <- c.Buffered()
		}
	})
	c.Open()

	select {
	case n := <-flushed:
		if n != 0 {
			t.Errorf("listener saw %d buffered messages, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	for _, want := range []string{"a", "b", "c"} {
		msg := waitMessage(t, peer.received)
		if msg.Type != TypeJoinBoard || msg.Board != want {
			t.Errorf("received %+v, want join %s", msg, want)
		}
	}
}

func TestOpen_Idempotent(t *testing.T) {
	peer := newTestPeer(t)
	c := newTestClient(t, peer.url())

	c.Open()
	c.Open()

	<-peer.accepted
	select {
	case <-peer.accepted:
		t.Error("second Open() should not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatch_DropsPongAndMalformedPayloads(t *testing.T) {
	peer := newTestPeer(t)
	c := newTestClient(t, peer.url())

	got := make(chan Message, 10)
	c.Subscribe(func(m Message) { got <- m })

	conn := make(chan bool, 10)
	c.OnConnectionChange(func(b bool) { conn <- b })
	c.Open()
	waitBool(t, conn, true)
	<-peer.accepted

	peer.push(t, "not json")
	peer.push(t, `{"type":"pong"}`)
	peer.push(t, `{"board":"b1"}`)
	peer.push(t, `{"type":"deleteCard","board":"b1","card":{"id":"c1"}}`)

	msg := waitMessage(t, got)
	if id, ok := msg.DeletedCardID(); !ok || id != "c1" {
		t.Errorf("first delivered message = %+v, want deleteCard c1", msg)
	}

	select {
	case extra := <-got:
		t.Errorf("unexpected message delivered: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	peer := newTestPeer(t)
	c := newTestClient(t, peer.url())

	first := make(chan Message, 10)
	second := make(chan Message, 10)
	unsubscribe := c.Subscribe(func(m Message) { first <- m })
	c.Subscribe(func(m Message) { second <- m })

	conn := make(chan bool, 10)
	c.OnConnectionChange(func(b bool) { conn <- b })
	c.Open()
	waitBool(t, conn, true)
	<-peer.accepted

	unsubscribe()
	peer.push(t, `{"type":"userLeaveBoard"}`)

	waitMessage(t, second)
	select {
	case <-first:
		t.Error("unsubscribed handler received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnect_AfterUnexpectedClose(t *testing.T) {
	peer := newTestPeer(t)
	c := newTestClient(t, peer.url())

	conn := make(chan bool, 10)
	c.OnConnectionChange(func(b bool) { conn <- b })
	c.Open()
	waitBool(t, conn, true)

	peer.dropAll()
	waitBool(t, conn, false)
	waitBool(t, conn, true)

	if !c.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}

func TestClose_SuppressesReconnect(t *testing.T) {
	peer := newTestPeer(t)
	c := newTestClient(t, peer.url())

	c.Open()
	<-peer.accepted

	c.Close()
	if c.Connected() {
		t.Fatal("Connected() = true after Close()")
	}

	select {
	case <-peer.accepted:
		t.Error("client reconnected after explicit Close()")
	case <-time.After(200 * time.Millisecond):
	}

	if c.Send(JoinBoard("b1"), WithoutBuffer()) {
		t.Error("Send() should not transmit after Close()")
	}
}

func TestHeartbeat_SendsPing(t *testing.T) {
	peer := newTestPeer(t)
	c := New(&Config{
		URL:               peer.url(),
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
		Logger:            log.New(io.Discard, "", 0),
	})
	t.Cleanup(c.Close)

	c.Open()
	if msg := waitMessage(t, peer.received); msg.Type != TypePing {
		t.Errorf("received %s, want ping", msg.Type)
	}
	if c.Buffered() != 0 {
		t.Error("heartbeat should never be buffered")
	}
}

func TestMessageShapes(t *testing.T) {
	card := schema.Card{
		ID:       "c1",
		Type:     schema.CardText,
		Pos:      schema.Pos{X: 1, Y: 2},
		Content:  schema.TextContent("hi"),
		Created:  10,
		Modified: 20,
	}

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"join", JoinBoard("b1"), `{"type":"userJoinBoard","board":"b1"}`},
		{"leave", LeaveBoard(), `{"type":"userLeaveBoard"}`},
		{"ping", Ping(), `{"type":"ping"}`},
		{"delete", DeleteCard("b1", "c1"), `{"type":"deleteCard","board":"b1","card":{"id":"c1"}}`},
		{"update", UpdateCards("b1", card),
			`{"type":"updateCards","board":"b1","cards":[{"id":"c1","pos":{"x":1,"y":2},"content":{"text":"hi"},"modified":20}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("got  %s\nwant %s", data, tt.want)
			}
		})
	}
}

func TestCreatedCard(t *testing.T) {
	card := schema.Card{ID: "c1", Type: schema.CardBox, Created: 5, Modified: 5}

	data, _ := json.Marshal(CreateCard("b1", card))
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	got, ok := msg.CreatedCard()
	if !ok {
		t.Fatal("CreatedCard() = false")
	}
	if got.ID != "c1" || got.Type != schema.CardBox || got.Created != 5 {
		t.Errorf("CreatedCard() = %+v", got)
	}

	bad, _ := Parse([]byte(`{"type":"createCard","board":"b1","card":{"id":"c2","type":"hologram"}}`))
	if _, ok := bad.CreatedCard(); ok {
		t.Error("CreatedCard() should reject unknown card types")
	}
}
