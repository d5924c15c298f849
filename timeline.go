package circle

import (
	"sort"
	"sync"
	"time"
)

// DefaultMatchWindow bounds the heuristic fallback match: an inbound message
// with no echoed temp id only collapses into a pending entry when it is this
// recent. Outside the window an identical message is treated as genuinely new.
const DefaultMatchWindow = 5 * time.Second

// EntryState is the lifecycle state of a timeline entry.
type EntryState string

const (
	// EntryPending is a locally-created message awaiting confirmation.
	EntryPending EntryState = "pending"
	// EntryConfirmed is a message the server has assigned an id to.
	EntryConfirmed EntryState = "confirmed"
	// EntryFailed is a send that errored; it leaves the displayed sequence.
	EntryFailed EntryState = "failed"
)

// ApplyOutcome reports which matching rule an inbound message hit.
type ApplyOutcome string

const (
	// OutcomeDuplicate: the server id was already present; the entry was
	// overwritten in place and no new entry appeared.
	OutcomeDuplicate ApplyOutcome = "duplicate"
	// OutcomeMatchedTempID: an echoed temp id collapsed a pending entry.
	OutcomeMatchedTempID ApplyOutcome = "matched-temp-id"
	// OutcomeMatchedHeuristic: no temp id was echoed; a pending entry from
	// the same sender with identical content inside the recency window was
	// collapsed instead.
	OutcomeMatchedHeuristic ApplyOutcome = "matched-heuristic"
	// OutcomeAppended: a genuinely new message was appended.
	OutcomeAppended ApplyOutcome = "appended"
)

// SendFailure records a send that settled as failed, for the retry affordance.
type SendFailure struct {
	Message Message
	Err     error
	At      time.Time
}

// Timeline is the ordered, duplicate-free message sequence for one
// conversation. It is the sole mutator of the client-side copy: local sends
// enter as pending entries and inbound events are merged through Apply, so
// each logical message appears exactly once regardless of delivery order or
// duplication. Snapshots are safe for concurrent readers.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	selfID         string
	window         time.Duration
	now            func() time.Time
	entries        []*timelineEntry
	failures       []SendFailure
	onChange       func([]Message)
}

type timelineEntry struct {
	msg   Message
	state EntryState
}

// TimelineOption configures a Timeline.
type TimelineOption func(*Timeline)

// WithMatchWindow overrides the heuristic recency window.
func WithMatchWindow(d time.Duration) TimelineOption {
	return func(t *Timeline) { t.window = d }
}

func withClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) { t.now = now }
}

// NewTimeline creates the timeline for one conversation. selfID is the local
// identity, used to tell own messages from everyone else's.
func NewTimeline(conversationID, selfID string, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		conversationID: conversationID,
		selfID:         selfID,
		window:         DefaultMatchWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConversationID returns the owning conversation.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// OnChange registers the mutation handler, replacing any previous one. It
// fires with a fresh snapshot after every append, replace, or reorder.
func (t *Timeline) OnChange(fn func([]Message)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// AppendPending adds a locally-originated message awaiting confirmation.
// The message must carry a temp id and a client-observed send time.
func (t *Timeline) AppendPending(msg Message) {
	t.mu.Lock()
	t.entries = append(t.entries, &timelineEntry{msg: msg, state: EntryPending})
	t.sortLocked()
	notify := t.notifierLocked()
	t.mu.Unlock()
	notify()
}

// SetPendingMedia swaps a pending entry's local preview for the server-hosted
// media descriptor once the upload completes.
func (t *Timeline) SetPendingMedia(tempID string, up *MediaUpload) bool {
	t.mu.Lock()
	e := t.findPendingLocked(tempID)
	if e == nil {
		t.mu.Unlock()
		return false
	}
	e.msg.MediaURL = up.URL
	e.msg.MediaType = up.Type
	e.msg.FileName = up.FileName
	e.msg.FileSize = up.FileSize
	notify := t.notifierLocked()
	t.mu.Unlock()
	notify()
	return true
}

// Apply merges one inbound message event into the sequence. Matching runs in
// strict priority order:
//
//  1. the inbound id already exists: overwrite that entry in place
//  2. an echoed temp id matches a pending entry: replace it at its position
//  3. no temp id echoed: a pending entry from the same sender with identical
//     content inside the recency window is treated as the same message
//  4. otherwise append as a genuinely new message
//
// The same path serves push events and periodic resync fetches, so the two
// can never diverge.
func (t *Timeline) Apply(msg Message) ApplyOutcome {
	t.mu.Lock()
	outcome := t.applyLocked(msg)
	notify := t.notifierLocked()
	t.mu.Unlock()
	notify()
	return outcome
}

func (t *Timeline) applyLocked(msg Message) ApplyOutcome {
	// 1. Duplicate delivery, e.g. reconnect replay.
	if msg.ID != "" {
		for _, e := range t.entries {
			if e.msg.ID == msg.ID {
				e.msg = msg
				e.state = EntryConfirmed
				t.sortLocked()
				return OutcomeDuplicate
			}
		}
	}

	// 2. Server echoed the client correlation id.
	if msg.TempID != "" {
		if e := t.findPendingLocked(msg.TempID); e != nil {
			e.msg = msg
			e.state = EntryConfirmed
			t.sortLocked()
			return OutcomeMatchedTempID
		}
	}

	// 3. Heuristic fallback: same sender, identical content, recent enough.
	// Ambiguous when the user sends the same text twice in quick succession;
	// a transport that echoes the temp id never reaches this branch.
	if msg.TempID == "" {
		age := t.now().Sub(msg.CreatedAt)
		if age < 0 {
			age = -age
		}
		if age < t.window {
			for _, e := range t.entries {
				if e.state == EntryPending && e.msg.SenderID == msg.SenderID && e.msg.Content == msg.Content {
					e.msg = msg
					e.state = EntryConfirmed
					t.sortLocked()
					return OutcomeMatchedHeuristic
				}
			}
		}
	}

	// 4. Genuinely new.
	t.entries = append(t.entries, &timelineEntry{msg: msg, state: EntryConfirmed})
	t.sortLocked()
	return OutcomeAppended
}

// Fail settles a pending entry as failed: it is removed from the displayed
// sequence and recorded so the caller can surface a retry affordance. Returns
// false when no pending entry carries the temp id, e.g. when a confirmation
// won the race.
func (t *Timeline) Fail(tempID string, cause error) bool {
	t.mu.Lock()
	idx := -1
	for i, e := range t.entries {
		if e.state == EntryPending && e.msg.TempID == tempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	e := t.entries[idx]
	e.state = EntryFailed
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.failures = append(t.failures, SendFailure{Message: e.msg, Err: cause, At: t.now()})
	notify := t.notifierLocked()
	t.mu.Unlock()
	notify()
	return true
}

// MarkAllRead stamps every unread message from other senders, for the local
// mark-read operation. Idempotent when nothing is unread. Reports whether
// anything changed.
func (t *Timeline) MarkAllRead(at time.Time) bool {
	t.mu.Lock()
	changed := false
	for _, e := range t.entries {
		if e.msg.ReadAt == nil && e.msg.SenderID != t.selfID {
			stamp := at
			e.msg.ReadAt = &stamp
			changed = true
		}
	}
	var notify func()
	if changed {
		notify = t.notifierLocked()
	}
	t.mu.Unlock()
	if changed {
		notify()
	}
	return changed
}

// MarkPeerRead stamps the local sender's own unread messages, applying an
// inbound messages-read receipt.
func (t *Timeline) MarkPeerRead(at time.Time) bool {
	t.mu.Lock()
	changed := false
	for _, e := range t.entries {
		if e.msg.ReadAt == nil && e.msg.SenderID == t.selfID && e.state == EntryConfirmed {
			stamp := at
			e.msg.ReadAt = &stamp
			changed = true
		}
	}
	var notify func()
	if changed {
		notify = t.notifierLocked()
	}
	t.mu.Unlock()
	if changed {
		notify()
	}
	return changed
}

// Snapshot returns the displayed sequence, sorted by creation time ascending.
// Failed entries are excluded; pending entries keep their client send time
// until confirmation replaces it.
func (t *Timeline) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Failures returns the sends that settled as failed, oldest first.
func (t *Timeline) Failures() []SendFailure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SendFailure(nil), t.failures...)
}

// TakeFailure removes and returns the failure record for a temp id, for
// retry. The second return is false when no such failure exists.
func (t *Timeline) TakeFailure(tempID string) (SendFailure, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, f := range t.failures {
		if f.Message.TempID == tempID {
			t.failures = append(t.failures[:i], t.failures[i+1:]...)
			return f, true
		}
	}
	return SendFailure{}, false
}

// UnreadFrom counts confirmed unread messages from other senders.
func (t *Timeline) UnreadFrom() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.state == EntryConfirmed && e.msg.ReadAt == nil && e.msg.SenderID != t.selfID {
			n++
		}
	}
	return n
}

func (t *Timeline) snapshotLocked() []Message {
	out := make([]Message, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.msg)
	}
	return out
}

func (t *Timeline) findPendingLocked(tempID string) *timelineEntry {
	for _, e := range t.entries {
		if e.state == EntryPending && e.msg.TempID == tempID {
			return e
		}
	}
	return nil
}

func (t *Timeline) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].msg.CreatedAt.Before(t.entries[j].msg.CreatedAt)
	})
}

// notifierLocked captures the change handler and a snapshot while the lock is
// held; the returned func is invoked after unlock.
func (t *Timeline) notifierLocked() func() {
	if t.onChange == nil {
		return func() {}
	}
	fn := t.onChange
	snap := t.snapshotLocked()
	return func() { fn(snap) }
}
