package internal

import (
	"errors"
	"fmt"
	"testing"
)

func drainEvents(sub *Subscription) []ChangeEvent {
	var events []ChangeEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	n := NewNotifier(nil)
	sub, err := n.Subscribe("obs-1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n.Publish(EventNewVisitor, []int64{1}, "s1")
	n.Publish(EventDataUpdated, []int64{1}, "s1")
	n.Publish(EventDeleted, []int64{1}, "s1")

	events := drainEvents(sub)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, ev.Seq)
		}
	}
	if events[0].Kind != EventNewVisitor || events[2].Kind != EventDeleted {
		t.Fatalf("unexpected kinds: %+v", events)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	var dropped []string
	n := NewNotifier(func(id string) { dropped = append(dropped, id) })

	sub, err := n.Subscribe("laggard", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	healthy, err := n.Subscribe("healthy", 0)
	if err != nil {
		t.Fatalf("Subscribe healthy: %v", err)
	}

	// Never read from sub; overflow its buffer.
	for i := 0; i < subscriberBuffer+10; i++ {
		n.Publish(EventDataUpdated, []int64{int64(i)}, "")
		drainEvents(healthy)
	}

	if len(dropped) != 1 || dropped[0] != "laggard" {
		t.Fatalf("expected laggard dropped once, got %v", dropped)
	}
	// Channel must be closed after the buffered events run out.
	count := 0
	for range sub.Events() {
		count++
	}
	if count != subscriberBuffer {
		t.Fatalf("expected %d buffered events before close, got %d", subscriberBuffer, count)
	}
}

func TestReplayFromCursor(t *testing.T) {
	n := NewNotifier(nil)
	n.Publish(EventNewVisitor, []int64{1}, "s1")
	n.Publish(EventDataUpdated, []int64{1}, "s1")
	n.Publish(EventDataUpdated, []int64{1}, "s1")

	sub, err := n.Subscribe("obs-1", 1)
	if err != nil {
		t.Fatalf("Subscribe with cursor: %v", err)
	}
	events := drainEvents(sub)
	if len(events) != 2 || events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("expected replay of seq 2 and 3, got %+v", events)
	}

	// Fully caught up: no replay, no error.
	sub2, err := n.Subscribe("obs-2", 3)
	if err != nil {
		t.Fatalf("Subscribe caught-up: %v", err)
	}
	if events := drainEvents(sub2); len(events) != 0 {
		t.Fatalf("expected no replayed events, got %+v", events)
	}
}

func TestReplayExpired(t *testing.T) {
	n := NewNotifier(nil)
	for i := 0; i < replayWindow+5; i++ {
		n.Publish(EventDataUpdated, []int64{int64(i)}, "")
	}
	if _, err := n.Subscribe("obs-1", 1); !errors.Is(err, ErrReplayExpired) {
		t.Fatalf("expected ErrReplayExpired, got %v", err)
	}
}

func TestResubscribeReplacesObserver(t *testing.T) {
	n := NewNotifier(nil)
	old, _ := n.Subscribe("obs-1", 0)
	fresh, err := n.Subscribe("obs-1", 0)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if _, ok := <-old.Events(); ok {
		t.Fatalf("expected old subscription closed")
	}
	n.Publish(EventDataUpdated, []int64{1}, "")
	if events := drainEvents(fresh); len(events) != 1 {
		t.Fatalf("expected new subscription to receive event, got %+v", events)
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	n := NewNotifier(nil)
	sub, _ := n.Subscribe("obs-1", 0)
	n.Unsubscribe(sub)
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
	// Double unsubscribe is safe.
	n.Unsubscribe(sub)

	other, _ := n.Subscribe("obs-2", 0)
	n.Close()
	if _, ok := <-other.Events(); ok {
		t.Fatalf("expected channel closed after notifier close")
	}
	if _, err := n.Subscribe("obs-3", 0); !errors.Is(err, ErrNotifierClosed) {
		t.Fatalf("expected ErrNotifierClosed, got %v", err)
	}
}

func TestPerVisitorOrderPreserved(t *testing.T) {
	n := NewNotifier(nil)
	sub, _ := n.Subscribe("obs-1", 0)

	for i := 0; i < 10; i++ {
		n.Publish(EventDataUpdated, []int64{1}, fmt.Sprintf("s%d", i%2))
	}
	events := drainEvents(sub)
	var last uint64
	for _, ev := range events {
		if ev.Seq <= last {
			t.Fatalf("sequence went backwards: %+v", events)
		}
		last = ev.Seq
	}
}
