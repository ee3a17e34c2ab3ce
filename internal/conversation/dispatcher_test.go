package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/session"
	"github.com/BTreeMap/TablePipe/internal/store"
)

// recordingHandler tracks per-user order and overlapping turns.
type recordingHandler struct {
	mu       sync.Mutex
	order    map[string][]string
	inFlight map[string]int
	overlap  int32
	delay    time.Duration
	done     chan struct{}
	block    chan struct{}
}

func newRecordingHandler(delay time.Duration) *recordingHandler {
	return &recordingHandler{
		order:    make(map[string][]string),
		inFlight: make(map[string]int),
		delay:    delay,
		done:     make(chan struct{}, 1000),
	}
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev models.InboundEvent) {
	h.mu.Lock()
	h.inFlight[ev.From]++
	if h.inFlight[ev.From] > 1 {
		atomic.AddInt32(&h.overlap, 1)
	}
	h.mu.Unlock()

	if h.block != nil {
		<-h.block
	}
	time.Sleep(h.delay)

	h.mu.Lock()
	h.inFlight[ev.From]--
	h.order[ev.From] = append(h.order[ev.From], ev.MessageID)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
}

func TestDispatcher_SerializesPerUserInOrder(t *testing.T) {
	h := newRecordingHandler(2 * time.Millisecond)
	d := NewDispatcher(h)
	defer d.Stop()

	users := []string{"111", "222", "333"}
	const perUser = 10
	for i := 0; i < perUser; i++ {
		for _, u := range users {
			if err := d.Submit(models.InboundEvent{From: u, MessageID: fmt.Sprintf("%s-%02d", u, i)}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	waitFor(t, h.done, perUser*len(users))

	if atomic.LoadInt32(&h.overlap) != 0 {
		t.Error("turns of the same user overlapped")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range users {
		got := h.order[u]
		if len(got) != perUser {
			t.Fatalf("user %s handled %d events", u, len(got))
		}
		for i, id := range got {
			if want := fmt.Sprintf("%s-%02d", u, i); id != want {
				t.Errorf("user %s event %d = %s, want %s", u, i, id, want)
			}
		}
	}
}

func TestDispatcher_IdleWorkerExits(t *testing.T) {
	h := newRecordingHandler(0)
	d := NewDispatcher(h, WithIdleTimeout(20*time.Millisecond))
	defer d.Stop()

	if err := d.Submit(models.InboundEvent{From: "111", MessageID: "a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, h.done, 1)

	deadline := time.Now().Add(2 * time.Second)
	for d.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle worker did not exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := d.Submit(models.InboundEvent{From: "111", MessageID: "b"}); err != nil {
		t.Fatalf("Submit after idle exit: %v", err)
	}
	waitFor(t, h.done, 1)
}

func TestDispatcher_QueueFull(t *testing.T) {
	h := newRecordingHandler(0)
	h.block = make(chan struct{})
	d := NewDispatcher(h, WithQueueSize(1))

	var full error
	for i := 0; i < 5 && full == nil; i++ {
		full = d.Submit(models.InboundEvent{From: "111", MessageID: fmt.Sprint(i)})
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", full)
	}
	close(h.block)
	d.Stop()
}

func TestDispatcher_StopDrainsAndRejects(t *testing.T) {
	h := newRecordingHandler(time.Millisecond)
	d := NewDispatcher(h)

	for i := 0; i < 5; i++ {
		if err := d.Submit(models.InboundEvent{From: "111", MessageID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	d.Stop()

	h.mu.Lock()
	handled := len(h.order["111"])
	h.mu.Unlock()
	if handled != 5 {
		t.Errorf("handled %d events before stop returned, want 5", handled)
	}
	if err := d.Submit(models.InboundEvent{From: "111", MessageID: "late"}); !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("Submit after Stop = %v", err)
	}
	d.Stop()
}

type countingPurger struct{ n int }

func (p *countingPurger) Purge() { p.n++ }

func TestMaintenance_SweepsAndClosesConversations(t *testing.T) {
	now := time.Date(2025, 10, 22, 20, 0, 0, 0, time.UTC)
	sessions := session.NewMemoryStore(session.WithClock(func() time.Time { return now }))
	st := store.NewInMemoryStore()
	purger := &countingPurger{}

	sessions.Update("111", nil)
	first, err := st.GetOrCreateConversation("111")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	m := NewMaintenance(sessions, st, purger)
	m.Run()
	if sessions.Count() != 1 {
		t.Fatal("fresh session should survive the sweep")
	}

	now = now.Add(session.DefaultTimeout + time.Second)
	m.Run()
	if sessions.Count() != 0 {
		t.Errorf("expired session not swept, %d left", sessions.Count())
	}
	if purger.n != 2 {
		t.Errorf("purger ran %d times, want 2", purger.n)
	}
	second, _ := st.GetOrCreateConversation("111")
	if second.ID == first.ID {
		t.Error("the next message after expiry should open a new conversation")
	}
}
