package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/skipon/matchmaker/internal/auth"
	"github.com/skipon/matchmaker/internal/chat"
	"github.com/skipon/matchmaker/internal/matching"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
	"github.com/skipon/matchmaker/internal/store/mem"
)

// localBus delivers published events synchronously to in-process
// subscribers.
type localBus struct {
	mu   sync.Mutex
	subs map[string]map[string]func([]byte) // subject -> key -> handler
}

func newLocalBus() *localBus {
	return &localBus{subs: make(map[string]map[string]func([]byte))}
}

func (b *localBus) publish(subject string, data []byte) {
	b.mu.Lock()
	handlers := make([]func([]byte), 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (b *localBus) subscribe(subject, key string, h func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]func([]byte))
	}
	b.subs[subject][key] = h
}

func (b *localBus) unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.subs {
		delete(m, key)
	}
}

func (b *localBus) PublishRoom(roomID string, data []byte) error {
	b.publish("room."+roomID, data)
	return nil
}

func (b *localBus) SubscribeRoom(roomID, connKey string, h func([]byte)) error {
	b.subscribe("room."+roomID, "room:"+connKey, h)
	return nil
}

func (b *localBus) UnsubscribeRoom(connKey string) error {
	b.unsubscribe("room:" + connKey)
	return nil
}

func (b *localBus) SubscribeMatchEnded(pid, connKey string, h func([]byte)) error {
	b.subscribe("match.ended."+pid, "ended:"+connKey, h)
	return nil
}

func (b *localBus) UnsubscribeMatchEnded(connKey string) error {
	b.unsubscribe("ended:" + connKey)
	return nil
}

// busNotifier forwards match.ended notifications to the local bus.
type busNotifier struct{ bus *localBus }

func (n busNotifier) MatchFound(store.Room) {}

func (n busNotifier) MatchEnded(_ string, _, partner participant.ID) {
	n.bus.publish("match.ended."+string(partner), []byte(`{"type":"match_ended"}`))
}

type testEnv struct {
	srv      *httptest.Server
	relay    *Relay
	mm       *matching.Matchmaker
	messages *chat.MessageBuffer
	roomID   string
}

const testSecret = "relay-secret"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := mem.New(mem.Config{})
	t.Cleanup(func() { st.Close() })

	bus := newLocalBus()
	mm := matching.New(st, busNotifier{bus: bus}, matching.Config{})
	messages := chat.NewMessageBuffer()
	rl := New(Options{
		Rooms:    mm,
		Bus:      bus,
		Verifier: auth.NewVerifier(testSecret),
		Messages: messages,
	})

	r := chi.NewRouter()
	r.Get("/ws/rooms/{roomID}", rl.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		rl.Close()
		srv.Close()
	})

	ctx := context.Background()
	if _, err := mm.RequestMatch(ctx, "g1", true, participant.Male); err != nil {
		t.Fatalf("RequestMatch g1: %v", err)
	}
	res, err := mm.RequestMatch(ctx, "g2", true, participant.Female)
	if err != nil || res.Status != matching.StatusMatched {
		t.Fatalf("expected g2 matched, got %+v, %v", res, err)
	}

	return &testEnv{srv: srv, relay: rl, mm: mm, messages: messages, roomID: res.RoomID}
}

func (e *testEnv) url(roomID, query string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/rooms/" + roomID + "?" + query
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &testClient{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

// join connects guestID to the room and waits for the joined frame.
func (e *testEnv) join(t *testing.T, guestID string) *testClient {
	t.Helper()
	c := dial(t, e.url(e.roomID, "guest_id="+guestID))
	if f := c.next(); f["type"] != "joined" {
		t.Fatalf("expected joined, got %v", f)
	}
	return c
}

func (c *testClient) send(frame string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next returns the next data frame, skipping presence notices.
func (c *testClient) next() map[string]any {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			c.t.Fatalf("decode %s: %v", data, err)
		}
		if f["type"] == "partner_joined" {
			continue
		}
		return f
	}
}

func (c *testClient) expect(typ string) map[string]any {
	c.t.Helper()
	f := c.next()
	if f["type"] != typ {
		c.t.Fatalf("expected %s frame, got %v", typ, f)
	}
	return f
}

// pair connects both occupants. By the time it returns both are subscribed.
func (e *testEnv) pair(t *testing.T) (*testClient, *testClient) {
	t.Helper()
	a := e.join(t, "g1")
	b := e.join(t, "g2")
	return a, b
}

func TestServeHTTP_Admission(t *testing.T) {
	env := newTestEnv(t)
	base := strings.Replace(env.url(env.roomID, ""), "ws", "http", 1)

	cases := []struct {
		name string
		url  string
		code int
	}{
		{"missing identity", base, http.StatusBadRequest},
		{"outsider", base + "guest_id=g3", http.StatusForbidden},
		{"unknown room", strings.Replace(base, env.roomID, "nope", 1) + "guest_id=g1", http.StatusNotFound},
		{"bad token", base + "token=garbage", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(tc.url)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Errorf("expected %d, got %d", tc.code, resp.StatusCode)
			}
		})
	}
}

func TestServeHTTP_TokenIdentity(t *testing.T) {
	st := mem.New(mem.Config{})
	defer st.Close()
	mm := matching.New(st, nil, matching.Config{})
	ctx := context.Background()
	mm.RequestMatch(ctx, "user-1", false, participant.Other)
	res, _ := mm.RequestMatch(ctx, "g9", true, participant.Other)

	rl := New(Options{Rooms: mm, Bus: newLocalBus(), Verifier: auth.NewVerifier(testSecret)})
	r := chi.NewRouter()
	r.Get("/ws/rooms/{roomID}", rl.ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()
	defer rl.Close()

	token, err := auth.Sign([]byte(testSecret), "user-1", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	c := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/rooms/"+res.RoomID+"?token="+token)
	c.expect("joined")
}

func TestRelay_MessageForwarded(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.pair(t)

	a.send(`{"type":"message","text":"hello there"}`)
	f := b.expect("message")
	if f["text"] != "hello there" {
		t.Errorf("unexpected frame: %v", f)
	}
	if _, ok := f["ts"].(float64); !ok {
		t.Errorf("expected a timestamp, got %v", f)
	}

	msgs := env.messages.Get(env.roomID)
	if len(msgs) != 1 || msgs[0].From != "g1" || msgs[0].Text != "hello there" {
		t.Errorf("unexpected buffer: %+v", msgs)
	}
}

func TestRelay_SignalPassThrough(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.pair(t)

	b.send(`{"type":"signal","payload":{"kind":"answer","sdp":"v=0"}}`)
	f := a.expect("signal")
	payload, ok := f["payload"].(map[string]any)
	if !ok || payload["kind"] != "answer" || payload["sdp"] != "v=0" {
		t.Errorf("payload not passed through: %v", f)
	}
}

func TestRelay_BlockedMessageNotDelivered(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.pair(t)

	a.send(`{"type":"message","text":"kys"}`)
	if f := a.expect("message_blocked"); f["reason"] != "blocked_keyword" {
		t.Errorf("unexpected frame: %v", f)
	}

	a.send(`{"type":"typing","is_typing":true}`)
	if f := b.expect("typing"); f["is_typing"] != true {
		t.Errorf("unexpected frame: %v", f)
	}
	if msgs := env.messages.Get(env.roomID); len(msgs) != 0 {
		t.Errorf("blocked message buffered: %+v", msgs)
	}
}

func TestRelay_InvalidFrames(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.pair(t)

	a.send(`not json`)
	if f := a.expect("error"); f["code"] != "bad_frame" {
		t.Errorf("unexpected frame: %v", f)
	}

	a.send(`{"type":"message","text":"   "}`)
	if f := a.expect("error"); f["code"] != "bad_message" {
		t.Errorf("unexpected frame: %v", f)
	}

	a.send(`{"type":"ping"}`)
	a.expect("pong")
}

func TestRelay_LeaveEndsMatch(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.pair(t)

	a.send(`{"type":"leave"}`)
	b.expect("partner_left")

	if _, err := env.mm.Room(context.Background(), env.roomID); err == nil {
		t.Error("expected the room to be deleted")
	}
}

func TestRelay_LeaveOverHTTPNotifiesPartner(t *testing.T) {
	env := newTestEnv(t)
	_, b := env.pair(t)

	if err := env.mm.Leave(context.Background(), "g1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	b.expect("partner_left")
}

func TestRelay_CallFlow(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.pair(t)

	a.send(`{"type":"call_offer","video":true}`)
	if f := a.expect("call_state"); f["status"] != "ringing" || f["is_caller"] != true {
		t.Errorf("caller got %v", f)
	}
	if f := b.expect("call_state"); f["status"] != "ringing" || f["is_caller"] != false || f["video"] != true {
		t.Errorf("callee got %v", f)
	}

	b.send(`{"type":"call_offer"}`)
	if f := b.expect("error"); f["code"] != "call_conflict" {
		t.Errorf("expected call_conflict, got %v", f)
	}

	b.send(`{"type":"call_accept"}`)
	if f := b.expect("call_state"); f["status"] != "accepted" {
		t.Errorf("callee got %v", f)
	}
	if f := a.expect("call_state"); f["status"] != "accepted" {
		t.Errorf("caller got %v", f)
	}

	a.send(`{"type":"call_end"}`)
	a.expect("call_state")
	if f := b.expect("call_state"); f["status"] != "ended" {
		t.Errorf("callee got %v", f)
	}
	if _, ok := env.relay.Calls().Get(env.roomID); ok {
		t.Error("ended call still registered")
	}
}

func TestRelay_DisconnectKeepsRoom(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.pair(t)

	a.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.relay.Connections().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 connection after disconnect, got %d", env.relay.Connections().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := env.mm.Room(context.Background(), env.roomID); err != nil {
		t.Errorf("room should survive a disconnect: %v", err)
	}
}

func TestHeartbeat_ClosesIdleConnections(t *testing.T) {
	env := newTestEnv(t)
	env.pair(t)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	env.relay.checkConnections(cfg, time.Now().Add(time.Minute))

	deadline := time.Now().Add(2 * time.Second)
	for env.relay.Connections().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle connections closed, %d left", env.relay.Connections().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
