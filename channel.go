package circle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// statusAuthRejected is the close code the backend uses for bad tokens.
const statusAuthRejected = websocket.StatusCode(4001)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all channel events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type outboundEnvelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	Token                string
	BaseURL              string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *ChannelConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Status is the channel connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// EventHandler receives an inbound event's payload. Handlers run on the read
// loop goroutine, so delivery order within one connection is preserved.
type EventHandler func(payload json.RawMessage)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ChannelClient
// ============================================================================

// ChannelClient owns the single realtime connection for a session and
// multiplexes conversation rooms over it.
//
// One handler is registered per event name: On replaces any handler already
// registered for that name, so a caller that re-subscribes on every
// conversation switch never produces duplicate deliveries. Rooms joined via
// JoinRoom are rejoined automatically after every reconnect, before any
// inbound event from the new connection is dispatched.
type ChannelClient struct {
	config *ChannelConfig
	log    *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	status           Status
	intentionalClose bool
	rooms            map[string]struct{}
	handlers         map[string]EventHandler
	onStatus         func(Status)
	cancelFn         context.CancelFunc
	recon            *reconnector
}

// NewChannelClient creates a channel client authenticated by the identity
// token. Call Connect to establish the connection.
func NewChannelClient(token string, opts ...func(*ChannelConfig)) *ChannelClient {
	cfg := &ChannelConfig{Token: token, AutoReconnect: true}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.defaults()
	return &ChannelClient{
		config:   cfg,
		log:      cfg.Logger.Named("channel"),
		status:   StatusDisconnected,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]EventHandler),
		recon:    newReconnector(cfg),
	}
}

// WithChannelBaseURL overrides the backend URL.
func WithChannelBaseURL(u string) func(*ChannelConfig) {
	return func(c *ChannelConfig) { c.BaseURL = strings.TrimRight(u, "/") }
}

// WithChannelLogger sets the structured logger.
func WithChannelLogger(l *zap.Logger) func(*ChannelConfig) {
	return func(c *ChannelConfig) { c.Logger = l }
}

// WithoutReconnect disables automatic reconnection.
func WithoutReconnect() func(*ChannelConfig) {
	return func(c *ChannelConfig) { c.AutoReconnect = false }
}

// Token returns the identity token the channel authenticates with.
func (ch *ChannelClient) Token() string {
	return ch.config.Token
}

// Status returns the current connection status.
func (ch *ChannelClient) Status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// On registers the handler for an event name, replacing any previous handler
// for that name.
func (ch *ChannelClient) On(event string, h EventHandler) {
	ch.mu.Lock()
	ch.handlers[event] = h
	ch.mu.Unlock()
}

// Off removes the handler for an event name.
func (ch *ChannelClient) Off(event string) {
	ch.mu.Lock()
	delete(ch.handlers, event)
	ch.mu.Unlock()
}

// OnStatusChange registers the connectivity handler, replacing any previous
// one. It fires on every connect/disconnect/reconnect transition.
func (ch *ChannelClient) OnStatusChange(h func(Status)) {
	ch.mu.Lock()
	ch.onStatus = h
	ch.mu.Unlock()
}

func (ch *ChannelClient) setStatus(s Status) {
	ch.mu.Lock()
	changed := ch.status != s
	ch.status = s
	h := ch.onStatus
	ch.mu.Unlock()
	if changed && h != nil {
		h(s)
	}
}

// Connect establishes the realtime connection. Idempotent: if a live
// connection exists it is returned unchanged. Returns ErrAuthRejected when
// the token is refused; that is never retried automatically.
func (ch *ChannelClient) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.status == StatusConnected || ch.status == StatusConnecting {
		ch.mu.Unlock()
		return nil
	}
	reconnecting := ch.status == StatusReconnecting
	ch.intentionalClose = false
	ch.mu.Unlock()
	if !reconnecting {
		ch.setStatus(StatusConnecting)
	}

	wsURL := strings.Replace(ch.config.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ch.config.Token

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.setStatus(StatusDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be the authenticated ack. Anything else, or a
	// 4001 close, means the token was refused.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setStatus(StatusDisconnected)
		if websocket.CloseStatus(err) == statusAuthRejected {
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return fmt.Errorf("read auth ack: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ch.setStatus(StatusDisconnected)
		return fmt.Errorf("%w: expected authenticated, got %q", ErrAuthRejected, env.Event)
	}

	ch.mu.Lock()
	ch.conn = conn
	rooms := ch.roomsLocked()
	ch.mu.Unlock()
	ch.recon.markConnected()

	// Rejoin every tracked room before the read loop starts, so no inbound
	// event is processed ahead of the joins.
	for _, room := range rooms {
		if err := ch.writeEnvelope(ctx, conn, EventJoin, JoinPayload{ConversationID: room}); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			ch.mu.Lock()
			ch.conn = nil
			ch.mu.Unlock()
			ch.setStatus(StatusDisconnected)
			return fmt.Errorf("rejoin room %s: %w", room, err)
		}
	}

	ch.setStatus(StatusConnected)
	ch.log.Info("channel connected", zap.Int("rooms", len(rooms)))

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.cancelFn = cancel
	ch.mu.Unlock()

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect tears down the connection and clears the joined-room
// bookkeeping. Safe to call when already disconnected.
func (ch *ChannelClient) Disconnect() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.rooms = make(map[string]struct{})
	ch.recon.reset()
	ch.mu.Unlock()

	ch.setStatus(StatusDisconnected)
	if conn != nil {
		ch.log.Info("channel disconnected")
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinRoom associates the connection with a room so server events scoped to
// it are delivered here. Idempotent; the room is tracked even while
// disconnected and rejoined automatically after every reconnect.
func (ch *ChannelClient) JoinRoom(ctx context.Context, roomID string) error {
	ch.mu.Lock()
	_, known := ch.rooms[roomID]
	ch.rooms[roomID] = struct{}{}
	conn := ch.conn
	ch.mu.Unlock()

	if known || conn == nil {
		return nil
	}
	return ch.writeEnvelope(ctx, conn, EventJoin, JoinPayload{ConversationID: roomID})
}

// Rooms returns the tracked room ids, sorted.
func (ch *ChannelClient) Rooms() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.roomsLocked()
}

func (ch *ChannelClient) roomsLocked() []string {
	rooms := make([]string, 0, len(ch.rooms))
	for r := range ch.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Emit sends an event on the current connection. Fails fast with
// ErrNotConnected when the connection is down; nothing is queued.
func (ch *ChannelClient) Emit(ctx context.Context, event string, payload interface{}) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return ch.writeEnvelope(ctx, conn, event, payload)
}

func (ch *ChannelClient) writeEnvelope(ctx context.Context, conn *websocket.Conn, event string, payload interface{}) error {
	data, err := json.Marshal(outboundEnvelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ch *ChannelClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if ch.conn == conn {
				ch.conn = nil
			}
			ch.mu.Unlock()
			if intentional {
				return
			}

			ch.log.Warn("channel dropped", zap.Error(err))
			ch.setStatus(StatusDisconnected)
			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				go ch.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		ch.mu.Lock()
		h := ch.handlers[env.Event]
		ch.mu.Unlock()
		if h != nil {
			h(env.Payload)
		}
	}
}

func (ch *ChannelClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ch *ChannelClient) reconnectLoop() {
	for {
		delay := ch.recon.nextDelay()
		ch.setStatus(StatusReconnecting)
		ch.log.Info("reconnecting", zap.Int("attempt", ch.recon.attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		ch.mu.Lock()
		intentional := ch.intentionalClose
		ch.mu.Unlock()
		if intentional {
			return
		}

		err := ch.Connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			// A refused token will stay refused; surface via status and stop.
			ch.log.Error("reconnect refused", zap.Error(err))
			ch.setStatus(StatusDisconnected)
			return
		}
		if !ch.config.AutoReconnect || !ch.recon.shouldReconnect() {
			ch.setStatus(StatusDisconnected)
			return
		}
	}
}
