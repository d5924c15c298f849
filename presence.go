package circle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTypingWindow is how long after the last keystroke the stopped
	// signal is broadcast.
	DefaultTypingWindow = 3 * time.Second

	// DefaultTypingMargin pads the window when expiring remote entries, so a
	// lost stopped signal cannot leave a typist stuck on screen.
	DefaultTypingMargin = 2 * time.Second
)

// Emitter sends events on the realtime channel. ChannelClient implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload interface{}) error
}

// TypingCoordinator broadcasts the local user's typing transitions and
// aggregates remote typing state for display, both riding the channel.
//
// Locally, the first keystroke in a conversation emits typing(true) at once;
// every further keystroke restarts a fixed silence window, and only when the
// window elapses does a single typing(false) follow. Two consecutive trues
// without an intervening false never happen.
//
// Remote entries are dropped on an explicit stopped signal, and also expire
// client-side after the window plus a margin, since the stopped signal is not
// guaranteed to arrive.
type TypingCoordinator struct {
	emitter Emitter
	window  time.Duration
	stale   time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	closed   bool
	local    map[string]*time.Timer             // conversation -> silence timer
	remote   map[string]map[string]*remoteTypist // conversation -> user -> entry
	onChange map[string]func([]string)
}

type remoteTypist struct {
	username string
	expiry   *time.Timer
}

// TypingOption configures a TypingCoordinator.
type TypingOption func(*TypingCoordinator)

// WithTypingWindow overrides the silence window.
func WithTypingWindow(d time.Duration) TypingOption {
	return func(tc *TypingCoordinator) {
		tc.window = d
		tc.stale = d + DefaultTypingMargin
	}
}

// WithTypingStale overrides the remote-entry expiry.
func WithTypingStale(d time.Duration) TypingOption {
	return func(tc *TypingCoordinator) { tc.stale = d }
}

// WithTypingLogger sets the structured logger.
func WithTypingLogger(l *zap.Logger) TypingOption {
	return func(tc *TypingCoordinator) { tc.log = l.Named("typing") }
}

// NewTypingCoordinator creates a coordinator that broadcasts over the emitter.
func NewTypingCoordinator(emitter Emitter, opts ...TypingOption) *TypingCoordinator {
	tc := &TypingCoordinator{
		emitter:  emitter,
		window:   DefaultTypingWindow,
		stale:    DefaultTypingWindow + DefaultTypingMargin,
		log:      zap.NewNop(),
		local:    make(map[string]*time.Timer),
		remote:   make(map[string]map[string]*remoteTypist),
		onChange: make(map[string]func([]string)),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Keystroke records a keystroke in the conversation's composer. The first
// keystroke broadcasts typing(true); later ones only restart the silence
// window. The emit error is returned so a caller can notice a dead channel,
// but no retry or queueing happens here.
func (tc *TypingCoordinator) Keystroke(ctx context.Context, conversationID string) error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return nil
	}
	if timer, inFlight := tc.local[conversationID]; inFlight {
		timer.Reset(tc.window)
		tc.mu.Unlock()
		return nil
	}
	tc.mu.Unlock()

	err := tc.emitter.Emit(ctx, EventTyping, TypingPayload{ConversationID: conversationID, IsTyping: true})
	if err != nil {
		return err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}
	// A concurrent keystroke may have won; keep its timer.
	if timer, inFlight := tc.local[conversationID]; inFlight {
		timer.Reset(tc.window)
		return nil
	}
	tc.local[conversationID] = time.AfterFunc(tc.window, func() {
		tc.silenceElapsed(conversationID)
	})
	return nil
}

func (tc *TypingCoordinator) silenceElapsed(conversationID string) {
	tc.mu.Lock()
	delete(tc.local, conversationID)
	closed := tc.closed
	tc.mu.Unlock()
	if closed {
		return
	}
	err := tc.emitter.Emit(context.Background(), EventTyping, TypingPayload{ConversationID: conversationID, IsTyping: false})
	if err != nil {
		tc.log.Debug("typing stop lost", zap.String("conversation", conversationID), zap.Error(err))
	}
}

// HandleRemote applies an inbound typing event to the conversation's typist
// set. An explicit stopped signal removes the identity; otherwise the entry
// refreshes its expiry.
func (tc *TypingCoordinator) HandleRemote(p TypingPayload) {
	if p.ConversationID == "" || p.UserID == "" {
		return
	}
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	set := tc.remote[p.ConversationID]
	if p.IsTyping {
		if set == nil {
			set = make(map[string]*remoteTypist)
			tc.remote[p.ConversationID] = set
		}
		if existing, ok := set[p.UserID]; ok {
			existing.expiry.Reset(tc.stale)
			existing.username = p.Username
			tc.mu.Unlock()
			return // set unchanged, no notification
		}
		convID, userID := p.ConversationID, p.UserID
		set[p.UserID] = &remoteTypist{
			username: p.Username,
			expiry: time.AfterFunc(tc.stale, func() {
				tc.expire(convID, userID)
			}),
		}
	} else {
		if set == nil {
			tc.mu.Unlock()
			return
		}
		existing, ok := set[p.UserID]
		if !ok {
			tc.mu.Unlock()
			return
		}
		existing.expiry.Stop()
		delete(set, p.UserID)
	}
	notify := tc.notifierLocked(p.ConversationID)
	tc.mu.Unlock()
	notify()
}

func (tc *TypingCoordinator) expire(conversationID, userID string) {
	tc.mu.Lock()
	set := tc.remote[conversationID]
	if set == nil {
		tc.mu.Unlock()
		return
	}
	if _, ok := set[userID]; !ok {
		tc.mu.Unlock()
		return
	}
	delete(set, userID)
	notify := tc.notifierLocked(conversationID)
	tc.mu.Unlock()
	tc.log.Debug("typist expired", zap.String("conversation", conversationID), zap.String("user", userID))
	notify()
}

// Typists returns the identities currently typing in the conversation,
// sorted. Usernames are preferred when the sender supplied one.
func (tc *TypingCoordinator) Typists(conversationID string) []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.typistsLocked(conversationID)
}

func (tc *TypingCoordinator) typistsLocked(conversationID string) []string {
	set := tc.remote[conversationID]
	out := make([]string, 0, len(set))
	for id, entry := range set {
		if entry.username != "" {
			out = append(out, entry.username)
		} else {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// OnTypingChanged registers the handler fired whenever the conversation's
// typist set changes, replacing any previous handler for that conversation.
func (tc *TypingCoordinator) OnTypingChanged(conversationID string, fn func(typists []string)) {
	tc.mu.Lock()
	tc.onChange[conversationID] = fn
	tc.mu.Unlock()
}

// CloseConversation clears the conversation's timers and typist set without
// broadcasting, for when the conversation is closed or unmounted. A stale
// stopped signal must not fire afterwards.
func (tc *TypingCoordinator) CloseConversation(conversationID string) {
	tc.mu.Lock()
	if timer, ok := tc.local[conversationID]; ok {
		timer.Stop()
		delete(tc.local, conversationID)
	}
	for _, entry := range tc.remote[conversationID] {
		entry.expiry.Stop()
	}
	delete(tc.remote, conversationID)
	delete(tc.onChange, conversationID)
	tc.mu.Unlock()
}

// Close stops every timer. The coordinator is unusable afterwards.
func (tc *TypingCoordinator) Close() {
	tc.mu.Lock()
	tc.closed = true
	for id, timer := range tc.local {
		timer.Stop()
		delete(tc.local, id)
	}
	for _, set := range tc.remote {
		for _, entry := range set {
			entry.expiry.Stop()
		}
	}
	tc.remote = make(map[string]map[string]*remoteTypist)
	tc.mu.Unlock()
}

func (tc *TypingCoordinator) notifierLocked(conversationID string) func() {
	fn := tc.onChange[conversationID]
	if fn == nil {
		return func() {}
	}
	snap := tc.typistsLocked(conversationID)
	return func() { fn(snap) }
}
