package circle

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingEmitter captures emitted typing payloads in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []TypingPayload
}

func (r *recordingEmitter) Emit(ctx context.Context, event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(TypingPayload))
	return nil
}

func (r *recordingEmitter) snapshot() []TypingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TypingPayload(nil), r.events...)
}

func TestKeystrokeDebounce(t *testing.T) {
	em := &recordingEmitter{}
	tc := NewTypingCoordinator(em, WithTypingWindow(100*time.Millisecond))
	defer tc.Close()
	ctx := context.Background()

	// A burst of keystrokes: one started signal, then after the silence
	// window exactly one stopped signal.
	for i := 0; i < 3; i++ {
		if err := tc.Keystroke(ctx, "conv-1"); err != nil {
			t.Fatalf("Keystroke error: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(400 * time.Millisecond)

	events := em.snapshot()
	if len(events) != 2 {
		t.Fatalf("emitted %d events, want 2 (started, stopped)", len(events))
	}
	if !events[0].IsTyping || events[1].IsTyping {
		t.Fatalf("event order = [%v, %v], want [true, false]", events[0].IsTyping, events[1].IsTyping)
	}
}

func TestKeystrokeRestartsSilenceWindow(t *testing.T) {
	em := &recordingEmitter{}
	tc := NewTypingCoordinator(em, WithTypingWindow(200*time.Millisecond))
	defer tc.Close()
	ctx := context.Background()

	tc.Keystroke(ctx, "conv-1")
	time.Sleep(120 * time.Millisecond)
	tc.Keystroke(ctx, "conv-1")
	time.Sleep(120 * time.Millisecond)

	// 240ms after the first keystroke, but only 120ms after the last: the
	// window restarted, so no stopped signal yet.
	if n := len(em.snapshot()); n != 1 {
		t.Fatalf("emitted %d events before silence elapsed, want 1", n)
	}

	time.Sleep(400 * time.Millisecond)
	events := em.snapshot()
	if len(events) != 2 || events[1].IsTyping {
		t.Fatalf("events after silence = %v, want trailing stopped signal", events)
	}
}

func TestHandleRemoteStartAndStop(t *testing.T) {
	tc := NewTypingCoordinator(&recordingEmitter{})
	defer tc.Close()

	var notified [][]string
	var mu sync.Mutex
	tc.OnTypingChanged("conv-1", func(typists []string) {
		mu.Lock()
		notified = append(notified, typists)
		mu.Unlock()
	})

	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-1", Username: "alice", IsTyping: true})
	if got := tc.Typists("conv-1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("Typists = %v, want [alice]", got)
	}

	// A refresh keeps the set identical and must not re-notify.
	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-1", Username: "alice", IsTyping: true})

	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-1", IsTyping: false})
	if got := tc.Typists("conv-1"); len(got) != 0 {
		t.Fatalf("Typists after stop = %v, want empty", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 2 {
		t.Fatalf("change handler fired %d times, want 2", len(notified))
	}
	if len(notified[1]) != 0 {
		t.Fatalf("final notification = %v, want empty set", notified[1])
	}
}

func TestRemoteEntryExpires(t *testing.T) {
	tc := NewTypingCoordinator(&recordingEmitter{}, WithTypingStale(100*time.Millisecond))
	defer tc.Close()

	done := make(chan []string, 1)
	tc.OnTypingChanged("conv-1", func(typists []string) {
		if len(typists) == 0 {
			done <- typists
		}
	})

	// The stopped signal never arrives; the entry must expire on its own.
	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-1", Username: "alice", IsTyping: true})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("typist never expired")
	}
	if got := tc.Typists("conv-1"); len(got) != 0 {
		t.Fatalf("Typists after expiry = %v, want empty", got)
	}
}

func TestTypistsSortedWithUsernameFallback(t *testing.T) {
	tc := NewTypingCoordinator(&recordingEmitter{})
	defer tc.Close()

	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-9", Username: "zoe", IsTyping: true})
	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-2", IsTyping: true})
	tc.HandleRemote(TypingPayload{ConversationID: "conv-1", UserID: "u-5", Username: "alice", IsTyping: true})

	got := tc.Typists("conv-1")
	want := []string{"alice", "u-2", "zoe"}
	if len(got) != len(want) {
		t.Fatalf("Typists = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Typists = %v, want %v", got, want)
		}
	}
}

func TestCloseConversationSuppressesStoppedSignal(t *testing.T) {
	em := &recordingEmitter{}
	tc := NewTypingCoordinator(em, WithTypingWindow(100*time.Millisecond))
	defer tc.Close()

	tc.Keystroke(context.Background(), "conv-1")
	tc.CloseConversation("conv-1")
	time.Sleep(300 * time.Millisecond)

	events := em.snapshot()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want only the started signal", len(events))
	}
}
