package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/paperrepro/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeNodeStarted, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_PublishDeliversTypedEvent(t *testing.T) {
	bus := NewBus(nil)

	var got StageStatusChangedEvent
	bus.Subscribe(TypeStageStatusChanged, func(e Event) {
		got = e.(StageStatusChangedEvent)
	})
	bus.Subscribe(TypeRunFinished, func(e Event) {
		t.Error("handler for another type should not run")
	})

	bus.Publish(NewStageStatusChangedEvent("run-1", "s1", "in_progress", "completed_success", "supervisor"))

	if got.StageID != "s1" || got.To != "completed_success" || got.RunID != "run-1" {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Timestamp().IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all:"+e.EventType()) })
	bus.Subscribe(TypeCheckpointSaved, func(e Event) { order = append(order, "specific") })

	bus.Publish(NewCheckpointSavedEvent("r", "plan_approved", "r/plan_approved_x.json"))

	want := []string{"specific", "all:" + TypeCheckpointSaved}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := make(map[string]int)
	id1 := bus.Subscribe(TypeRunResumed, func(e Event) { calls["one"]++ })
	bus.Subscribe(TypeRunResumed, func(e Event) { calls["two"]++ })

	if !bus.Unsubscribe(id1) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id1) {
		t.Error("second Unsubscribe should return false")
	}
	if bus.Unsubscribe("non-existent-id") {
		t.Error("Unsubscribe should return false for unknown IDs")
	}

	bus.Publish(NewRunResumedEvent("r", 2))

	if calls["one"] != 0 || calls["two"] != 1 {
		t.Errorf("calls = %v", calls)
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(TypeNodeStarted, func(e Event) {})
	bus.Subscribe(TypeNodeCompleted, func(e Event) {})
	bus.SubscribeAll(func(e Event) {})

	if bus.SubscriptionCount() != 3 {
		t.Errorf("Expected 3 subscriptions before clear, got %d", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after clear, got %d", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewLoggerTo(&buf, logging.LevelDebug))

	calls := 0
	bus.Subscribe(TypeBacktrackApplied, func(e Event) {
		calls++
		panic("handler panic")
	})
	bus.Subscribe(TypeBacktrackApplied, func(e Event) {
		calls++
	})

	bus.Publish(NewBacktrackAppliedEvent("r", "s1", []string{"s2"}, "wrong material", 1))

	if calls != 2 {
		t.Errorf("Expected both handlers to be called despite panic, got %d calls", calls)
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic should be logged, got %q", buf.String())
	}
}

func TestBus_NilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(NewRunFinishedEvent("r", 3))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(TypeNodeStarted, func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewNodeStartedEvent("r", "PLAN", "", i))
		}()
	}
	wg.Wait()

	if calls != 100 {
		t.Errorf("Expected 100 calls, got %d", calls)
	}
}

func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypeNodeStarted, func(e Event) {})
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after concurrent add/remove, got %d", bus.SubscriptionCount())
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus(nil)

	ids := make(map[string]bool)
	for n := 0; n < 100; n++ {
		id := bus.Subscribe(TypeNodeStarted, func(e Event) {})
		if ids[id] {
			t.Errorf("Duplicate subscription ID: %s", id)
		}
		ids[id] = true
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewNodeStartedEvent("r", "PLAN", "", 1), TypeNodeStarted},
		{NewNodeCompletedEvent("r", "PLAN", "", "ok", "PLAN_REVIEW", 0, nil), TypeNodeCompleted},
		{NewStageStatusChangedEvent("r", "s", "a", "b", ""), TypeStageStatusChanged},
		{NewCheckpointSavedEvent("r", "n", "p"), TypeCheckpointSaved},
		{NewBacktrackAppliedEvent("r", "s", nil, "", 1), TypeBacktrackApplied},
		{NewRunSuspendedEvent("r", []string{"q"}), TypeRunSuspended},
		{NewRunResumedEvent("r", 1), TypeRunResumed},
		{NewRunFinishedEvent("r", 1), TypeRunFinished},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}
