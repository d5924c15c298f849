package circle_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	circle "github.com/circle-im/circle-go"
	"nhooyr.io/websocket"
)

// serverConn is one accepted backend connection with its inbound envelopes.
type serverConn struct {
	conn      *websocket.Conn
	envelopes chan circle.Envelope
}

// wsBackend fakes the realtime backend: it acks every connection with an
// authenticated envelope, then records everything the client sends.
type wsBackend struct {
	srv   *httptest.Server
	conns chan *serverConn
}

func newWSBackend(t *testing.T) *wsBackend {
	t.Helper()
	b := &wsBackend{conns: make(chan *serverConn, 4)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx := r.Context()
		ack, _ := json.Marshal(map[string]interface{}{"event": "authenticated"})
		if err := c.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}

		sc := &serverConn{conn: c, envelopes: make(chan circle.Envelope, 16)}
		b.conns <- sc
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env circle.Envelope
			if json.Unmarshal(data, &env) == nil {
				sc.envelopes <- env
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *wsBackend) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-b.conns:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (sc *serverConn) next(t *testing.T) circle.Envelope {
	t.Helper()
	select {
	case env := <-sc.envelopes:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope received")
		return circle.Envelope{}
	}
}

func (sc *serverConn) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"event": event, "payload": payload})
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("push write: %v", err)
	}
}

func fastReconnect(c *circle.ChannelConfig) {
	c.ReconnectBaseDelay = 10 * time.Millisecond
	c.ReconnectMaxDelay = 20 * time.Millisecond
}

// ===========================================================================
// Tests
// ===========================================================================

func TestEmitWhileDisconnected(t *testing.T) {
	ch := circle.NewChannelClient("tok", circle.WithoutReconnect())

	err := ch.Emit(context.Background(), circle.EventSendMessage, circle.SendMessagePayload{})
	if !errors.Is(err, circle.ErrNotConnected) {
		t.Fatalf("Emit error = %v, want ErrNotConnected", err)
	}
}

func TestConnectAuthRejectedByHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	ch := circle.NewChannelClient("bad", circle.WithChannelBaseURL(srv.URL), circle.WithoutReconnect())
	err := ch.Connect(context.Background())
	if !errors.Is(err, circle.ErrAuthRejected) {
		t.Fatalf("Connect error = %v, want ErrAuthRejected", err)
	}
	if got := ch.Status(); got != circle.StatusDisconnected {
		t.Errorf("Status = %s, want %s", got, circle.StatusDisconnected)
	}
}

func TestConnectAuthRejectedByBadAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		frame, _ := json.Marshal(map[string]interface{}{"event": "error", "payload": "nope"})
		c.Write(r.Context(), websocket.MessageText, frame)
		// Returns once the client gives up and closes.
		c.Read(r.Context())
	}))
	defer srv.Close()

	ch := circle.NewChannelClient("bad", circle.WithChannelBaseURL(srv.URL), circle.WithoutReconnect())
	err := ch.Connect(context.Background())
	if !errors.Is(err, circle.ErrAuthRejected) {
		t.Fatalf("Connect error = %v, want ErrAuthRejected", err)
	}
}

func TestOnReplacesHandler(t *testing.T) {
	backend := newWSBackend(t)
	ch := circle.NewChannelClient("tok", circle.WithChannelBaseURL(backend.srv.URL), circle.WithoutReconnect())

	stale := make(chan struct{}, 1)
	live := make(chan json.RawMessage, 1)
	ch.On(circle.EventNewMessage, func(json.RawMessage) { stale <- struct{}{} })
	ch.On(circle.EventNewMessage, func(p json.RawMessage) { live <- p })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ch.Disconnect()
	sc := backend.accept(t)

	sc.push(t, circle.EventNewMessage, map[string]string{"id": "srv-1"})

	select {
	case <-live:
	case <-time.After(3 * time.Second):
		t.Fatal("replacement handler never fired")
	}
	select {
	case <-stale:
		t.Fatal("replaced handler fired")
	default:
	}
}

func TestJoinRoomTrackedWhileDisconnected(t *testing.T) {
	backend := newWSBackend(t)
	ch := circle.NewChannelClient("tok", circle.WithChannelBaseURL(backend.srv.URL), circle.WithoutReconnect())

	// Joined before the connection exists: tracked, not an error.
	if err := ch.JoinRoom(context.Background(), "room-a"); err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}
	if rooms := ch.Rooms(); len(rooms) != 1 || rooms[0] != "room-a" {
		t.Fatalf("Rooms = %v, want [room-a]", rooms)
	}

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ch.Disconnect()
	sc := backend.accept(t)

	// The tracked room is joined as part of connecting.
	env := sc.next(t)
	if env.Event != circle.EventJoin {
		t.Fatalf("first envelope event = %q, want %q", env.Event, circle.EventJoin)
	}
	var p circle.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if p.ConversationID != "room-a" {
		t.Fatalf("joined %q, want room-a", p.ConversationID)
	}
}

func TestReconnectRejoinsRoomsFirst(t *testing.T) {
	backend := newWSBackend(t)
	ch := circle.NewChannelClient("tok", circle.WithChannelBaseURL(backend.srv.URL), fastReconnect)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ch.Disconnect()
	first := backend.accept(t)

	ctx := context.Background()
	if err := ch.JoinRoom(ctx, "room-a"); err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}
	if err := ch.JoinRoom(ctx, "room-b"); err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}
	first.next(t)
	first.next(t)

	// Drop the connection server-side; the client must reconnect and rejoin
	// both rooms before anything else goes out on the new connection.
	first.conn.Close(websocket.StatusGoingAway, "restart")

	second := backend.accept(t)
	rejoined := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := second.next(t)
		if env.Event != circle.EventJoin {
			t.Fatalf("envelope %d event = %q, want %q", i, env.Event, circle.EventJoin)
		}
		var p circle.JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode join payload: %v", err)
		}
		rejoined[p.ConversationID] = true
	}
	if !rejoined["room-a"] || !rejoined["room-b"] {
		t.Fatalf("rejoined = %v, want both rooms", rejoined)
	}

	deadline := time.Now().Add(3 * time.Second)
	for ch.Status() != circle.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("Status = %s, never returned to connected", ch.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectClearsRooms(t *testing.T) {
	backend := newWSBackend(t)
	ch := circle.NewChannelClient("tok", circle.WithChannelBaseURL(backend.srv.URL), circle.WithoutReconnect())

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	backend.accept(t)
	if err := ch.JoinRoom(context.Background(), "room-a"); err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if rooms := ch.Rooms(); len(rooms) != 0 {
		t.Fatalf("Rooms after Disconnect = %v, want empty", rooms)
	}
	err := ch.Emit(context.Background(), circle.EventSendMessage, circle.SendMessagePayload{})
	if !errors.Is(err, circle.ErrNotConnected) {
		t.Fatalf("Emit after Disconnect = %v, want ErrNotConnected", err)
	}
}
