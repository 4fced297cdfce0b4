package alert

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"meetai/internal/bus"
	"meetai/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []tgbotapi.MessageConfig
	fails int
	err   error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func newTestNotifier(s Sender) *Notifier {
	n := NewNotifier(s, 42, testLogger())
	n.sleep = func(context.Context, time.Duration) error { return nil }
	return n
}

func TestNotify_SendsToChat(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier(s)
	if err := n.Notify(context.Background(), "meeting m1 stuck"); err != nil {
		t.Fatal(err)
	}
	got := s.messages()
	if len(got) != 1 || got[0].ChatID != 42 || got[0].Text != "meeting m1 stuck" {
		t.Fatalf("unexpected messages %+v", got)
	}
}

func TestNotify_RetriesTransientErrors(t *testing.T) {
	s := &fakeSender{fails: 2, err: errors.New("Too Many Requests: retry after 3")}
	n := newTestNotifier(s)
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(s.messages()) != 1 {
		t.Fatal("expected delivery after retries")
	}
}

func TestNotify_GivesUp(t *testing.T) {
	s := &fakeSender{fails: 10, err: errors.New("bad gateway")}
	n := newTestNotifier(s)
	if err := n.Notify(context.Background(), "hello"); err == nil {
		t.Fatal("expected error after retries")
	}
}

func TestNotify_WithoutSenderLogs(t *testing.T) {
	n := NewNotifier(nil, 0, testLogger())
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
}

func TestSplit(t *testing.T) {
	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	parts := split(long, 40)
	if len(parts) != 2 || parts[0] != strings.Repeat("a", 30) {
		t.Fatalf("unexpected split %q", parts)
	}
	if strings.Join(parts, "") != long {
		t.Fatal("split must not lose text")
	}
	if got := split("", 40); len(got) != 0 {
		t.Fatalf("empty text should yield no chunks, got %q", got)
	}
}

func TestFormat(t *testing.T) {
	got := Format(bus.Event{
		Type:      bus.EventAgentJoinFailed,
		MeetingID: "m1",
		Payload:   map[string]any{"agent_id": "agent-1", "error": "connection refused"},
	})
	want := "Agent failed to join meeting m1\nagent_id: agent-1\nerror: connection refused"
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestSubscribe_DeliversBusEvents(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier(s)
	eb := bus.NewEventBus(testLogger())
	n.Subscribe(eb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	eb.Emit(bus.Event{Type: bus.EventAgentJoined, MeetingID: "m0"})
	eb.Emit(bus.Event{Type: bus.EventReconcileExhausted, MeetingID: "m1", Payload: map[string]any{"attempts": 3}})

	deadline := time.After(2 * time.Second)
	for len(s.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("alert not delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	got := s.messages()
	if len(got) != 1 || !strings.Contains(got[0].Text, "m1") || !strings.Contains(got[0].Text, "attempts: 3") {
		t.Fatalf("unexpected alerts %+v", got)
	}
}

func TestDrain_SendsQueuedAlertsWithoutRun(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier(s)
	eb := bus.NewEventBus(testLogger())
	n.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventReconcileExhausted, MeetingID: "m1"})
	eb.Emit(bus.Event{Type: bus.EventJobFailed, MeetingID: "m2"})
	if got := metrics.AlertQueueDepth.Value(); got != 2 {
		t.Fatalf("queue depth = %d, want 2", got)
	}

	n.Drain(context.Background())

	got := s.messages()
	if len(got) != 2 || !strings.Contains(got[0].Text, "m1") || !strings.Contains(got[1].Text, "m2") {
		t.Fatalf("unexpected alerts %+v", got)
	}
	if depth := metrics.AlertQueueDepth.Value(); depth != 0 {
		t.Fatalf("queue depth after drain = %d", depth)
	}
}

func TestDrain_StopsWhenContextDone(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier(s)
	n.Enqueue("never sent")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Drain(ctx)

	if len(s.messages()) != 0 {
		t.Fatal("cancelled drain should not send")
	}
	n.Drain(context.Background())
	if len(s.messages()) != 1 {
		t.Fatal("alert should still be queued after a cancelled drain")
	}
}
