package circle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultResyncInterval is how often open conversations are re-fetched and
// reconciled against the push stream.
const DefaultResyncInterval = 30 * time.Second

// Messenger ties the REST collaborators, the realtime channel, and the
// per-conversation timelines together into the optimistic-send flow:
//
//	SendMessage -> pending timeline entry -> channel emit -> backend
//	rebroadcast -> Timeline.Apply collapses the pending entry -> UI snapshot
//
// Every open conversation owns exactly one Timeline; no other component
// mutates it. A periodic resync re-fetches history through the same Apply
// path as push events, so polling and push cannot diverge.
type Messenger struct {
	rest    *Client
	channel *ChannelClient
	typing  *TypingCoordinator
	self    Identity
	log     *zap.Logger
	now     func() time.Time

	matchWindow   time.Duration
	resyncEvery   time.Duration
	historyLimit  int

	mu        sync.Mutex
	timelines map[string]*Timeline
	unread    map[string]int
	active    string
	stopSync  context.CancelFunc
}

// MessengerOption configures a Messenger.
type MessengerOption func(*Messenger)

// WithSelf overrides the identity parsed from the channel token.
func WithSelf(id Identity) MessengerOption {
	return func(m *Messenger) { m.self = id }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) MessengerOption {
	return func(m *Messenger) { m.log = l.Named("messenger") }
}

// WithResyncInterval overrides the periodic resync cadence.
func WithResyncInterval(d time.Duration) MessengerOption {
	return func(m *Messenger) { m.resyncEvery = d }
}

// WithMessengerMatchWindow overrides the heuristic recency window on every
// timeline the messenger creates.
func WithMessengerMatchWindow(d time.Duration) MessengerOption {
	return func(m *Messenger) { m.matchWindow = d }
}

// NewMessenger creates a messenger over the REST client and channel. The
// local identity is parsed from the channel's token unless WithSelf is given.
func NewMessenger(rest *Client, channel *ChannelClient, opts ...MessengerOption) (*Messenger, error) {
	m := &Messenger{
		rest:         rest,
		channel:      channel,
		log:          zap.NewNop(),
		now:          time.Now,
		matchWindow:  DefaultMatchWindow,
		resyncEvery:  DefaultResyncInterval,
		historyLimit: 50,
		timelines:    make(map[string]*Timeline),
		unread:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.self.UserID == "" {
		id, err := ParseIdentity(channel.Token())
		if err != nil {
			return nil, err
		}
		m.self = id
	}
	m.typing = NewTypingCoordinator(channel, WithTypingLogger(m.log))

	channel.On(EventNewMessage, m.handleNewMessage)
	channel.On(EventMessagesRead, m.handleMessagesRead)
	channel.On(EventTyping, m.handleTyping)
	return m, nil
}

// Self returns the local identity.
func (m *Messenger) Self() Identity {
	return m.self
}

// Typing returns the presence coordinator.
func (m *Messenger) Typing() *TypingCoordinator {
	return m.typing
}

// ============================================================================
// Conversation lifecycle
// ============================================================================

// Open joins the conversation's room, loads its history through the
// reconciliation path, and marks it read. It becomes the active conversation.
// Join is issued before the history fetch so the fetch is authoritative for
// the room.
func (m *Messenger) Open(ctx context.Context, conversationID string) error {
	if err := m.channel.JoinRoom(ctx, conversationID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	if err := m.resyncConversation(ctx, conversationID); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = conversationID
	m.mu.Unlock()

	return m.MarkRead(ctx, conversationID)
}

// CloseConversation drops the conversation's typing timers and deactivates
// it. In-flight sends keep settling into its timeline.
func (m *Messenger) CloseConversation(conversationID string) {
	m.typing.CloseConversation(conversationID)
	m.mu.Lock()
	if m.active == conversationID {
		m.active = ""
	}
	m.mu.Unlock()
}

// Messages returns a snapshot of the conversation's displayed sequence.
func (m *Messenger) Messages(conversationID string) []Message {
	return m.timeline(conversationID).Snapshot()
}

// Unread returns the conversation's unread counter.
func (m *Messenger) Unread(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread[conversationID]
}

// ============================================================================
// UI surface
// ============================================================================

// OnMessagesChanged registers the handler fired whenever the conversation's
// ordered sequence mutates, replacing any previous handler.
func (m *Messenger) OnMessagesChanged(conversationID string, fn func([]Message)) {
	m.timeline(conversationID).OnChange(fn)
}

// OnTypingChanged registers the handler fired whenever the conversation's
// typist set changes.
func (m *Messenger) OnTypingChanged(conversationID string, fn func([]string)) {
	m.typing.OnTypingChanged(conversationID, fn)
}

// OnConnectionStatusChanged registers the connectivity handler.
func (m *Messenger) OnConnectionStatusChanged(fn func(Status)) {
	m.channel.OnStatusChange(fn)
}

// Keystroke forwards a composer keystroke to the typing coordinator.
func (m *Messenger) Keystroke(ctx context.Context, conversationID string) error {
	return m.typing.Keystroke(ctx, conversationID)
}

// ============================================================================
// Send path
// ============================================================================

// SendMessage creates an immediate pending entry and settles it
// asynchronously through the channel. A media attachment is uploaded first;
// the pending entry shows a local preview until the upload finishes, and the
// realtime event only carries the server-hosted URL. A send that cannot be
// emitted settles as failed rather than silently dropped, and the error is also
// returned. The returned message is the pending entry.
func (m *Messenger) SendMessage(ctx context.Context, conversationID, content string, media *MediaFile) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && media == nil {
		return Message{}, ErrEmptyMessage
	}

	pending := Message{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       m.self.UserID,
		SenderUsername: m.self.Username,
		Content:        content,
		Type:           TypeText,
		CreatedAt:      m.now(),
	}
	if media != nil {
		pending.Type = media.Kind()
		pending.MediaURL = localPreviewURL(media)
		pending.MediaType = media.Mime
		pending.FileName = media.Name
		pending.FileSize = int64(len(media.Data))
	}

	t := m.timeline(conversationID)
	t.AppendPending(pending)

	payload := SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    pending.Type,
		TempID:         pending.TempID,
	}

	if media != nil {
		up, err := m.rest.UploadMedia(ctx, conversationID, media)
		if err != nil {
			t.Fail(pending.TempID, err)
			m.log.Warn("upload failed", zap.String("conversation", conversationID), zap.Error(err))
			return pending, err
		}
		t.SetPendingMedia(pending.TempID, up)
		payload.MediaURL = up.URL
		payload.MediaType = up.Type
		payload.FileName = up.FileName
		payload.FileSize = up.FileSize
	}

	if err := m.channel.Emit(ctx, EventSendMessage, payload); err != nil {
		t.Fail(pending.TempID, err)
		m.log.Warn("send failed", zap.String("conversation", conversationID), zap.Error(err))
		return pending, err
	}
	return pending, nil
}

// Retry re-attempts a failed send. The entry re-enters the sequence as
// pending under its original temp id. When the channel is still down a
// text-only message falls back to the plain request/response path, whose
// confirmed record feeds the same reconciliation as a push event.
func (m *Messenger) Retry(ctx context.Context, conversationID, tempID string) error {
	t := m.timeline(conversationID)
	f, ok := t.TakeFailure(tempID)
	if !ok {
		return fmt.Errorf("no failed send with temp id %s", tempID)
	}

	msg := f.Message
	msg.CreatedAt = m.now()
	t.AppendPending(msg)

	payload := SendMessagePayload{
		ConversationID: conversationID,
		Content:        msg.Content,
		MessageType:    msg.Type,
		MediaURL:       msg.MediaURL,
		MediaType:      msg.MediaType,
		FileName:       msg.FileName,
		FileSize:       msg.FileSize,
		TempID:         msg.TempID,
	}
	err := m.channel.Emit(ctx, EventSendMessage, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) && !msg.HasMedia() {
		confirmed, herr := m.rest.SendMessageHTTP(ctx, conversationID, msg.Content, msg.TempID)
		if herr != nil {
			t.Fail(msg.TempID, herr)
			return herr
		}
		confirmed.TempID = msg.TempID
		t.Apply(*confirmed)
		return nil
	}
	t.Fail(msg.TempID, err)
	return err
}

// Failures returns the conversation's failed sends, for the retry affordance.
func (m *Messenger) Failures(conversationID string) []SendFailure {
	return m.timeline(conversationID).Failures()
}

// ============================================================================
// Read state
// ============================================================================

// MarkRead marks every unread message in the conversation as read for the
// local identity and emits a read receipt. Idempotent if nothing is unread.
// A down channel only costs the receipt, not the read state.
func (m *Messenger) MarkRead(ctx context.Context, conversationID string) error {
	if err := m.rest.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	m.timeline(conversationID).MarkAllRead(m.now())
	m.mu.Lock()
	m.unread[conversationID] = 0
	m.mu.Unlock()

	err := m.channel.Emit(ctx, EventMarkRead, ReadPayload{ConversationID: conversationID})
	if err != nil {
		m.log.Debug("read receipt lost", zap.String("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// ============================================================================
// Resync
// ============================================================================

// StartResync begins the periodic full-resync loop for every open
// conversation. Fetched history feeds Timeline.Apply, the same path as push
// events. Stop with StopResync or by cancelling ctx.
func (m *Messenger) StartResync(ctx context.Context) {
	m.mu.Lock()
	if m.stopSync != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopSync = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.resyncEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range m.openConversations() {
					if err := m.resyncConversation(ctx, id); err != nil {
						m.log.Debug("resync failed", zap.String("conversation", id), zap.Error(err))
					}
				}
			}
		}
	}()
}

// StopResync stops the periodic resync loop.
func (m *Messenger) StopResync() {
	m.mu.Lock()
	if m.stopSync != nil {
		m.stopSync()
		m.stopSync = nil
	}
	m.mu.Unlock()
}

// Close stops background work and the typing coordinator. The channel and
// REST client stay with their owner.
func (m *Messenger) Close() {
	m.StopResync()
	m.typing.Close()
}

func (m *Messenger) resyncConversation(ctx context.Context, conversationID string) error {
	history, err := m.rest.ListMessages(ctx, conversationID, &PageOptions{Limit: m.historyLimit})
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	t := m.timeline(conversationID)
	for _, msg := range history {
		t.Apply(msg)
	}
	return nil
}

func (m *Messenger) openConversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.timelines))
	for id := range m.timelines {
		out = append(out, id)
	}
	return out
}

// ============================================================================
// Inbound events
// ============================================================================

func (m *Messenger) handleNewMessage(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ConversationID == "" {
		m.log.Debug("dropped malformed new-message", zap.Error(err))
		return
	}
	outcome := m.timeline(msg.ConversationID).Apply(msg)

	// The sender's own view never bumps its own counter; merges and
	// duplicate deliveries don't either.
	if outcome == OutcomeAppended && msg.SenderID != m.self.UserID {
		m.mu.Lock()
		if m.active != msg.ConversationID {
			m.unread[msg.ConversationID]++
		}
		m.mu.Unlock()
	}
}

func (m *Messenger) handleMessagesRead(payload json.RawMessage) {
	var p ReadPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		return
	}
	m.timeline(p.ConversationID).MarkPeerRead(m.now())
}

func (m *Messenger) handleTyping(payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	// Own broadcasts can come back on community rooms; never display them.
	if p.UserID == m.self.UserID {
		return
	}
	m.typing.HandleRemote(p)
}

// timeline returns the conversation's timeline, creating it lazily.
func (m *Messenger) timeline(conversationID string) *Timeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timelines[conversationID]
	if !ok {
		t = NewTimeline(conversationID, m.self.UserID,
			WithMatchWindow(m.matchWindow), withClock(m.now))
		m.timelines[conversationID] = t
	}
	return t
}

// localPreviewURL builds the data-URL preview shown on a pending media entry
// before the upload finishes.
func localPreviewURL(f *MediaFile) string {
	return "data:" + f.Mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}
