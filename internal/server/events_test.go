package server

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishAndDrainPreservesOrder(t *testing.T) {
	dispatcher := NewEventDispatcher()
	now := time.Now().UTC()

	dispatcher.Publish(Event{UserID: "user-a", EventType: EventNewFollower, SubjectID: "user-b", Timestamp: now})
	dispatcher.Publish(Event{UserID: "user-a", EventType: EventItemVoted, SubjectID: "item-1", Timestamp: now})
	dispatcher.Publish(Event{UserID: "user-z", EventType: EventNewFollower, SubjectID: "user-b", Timestamp: now})

	drained := dispatcher.Drain("user-a")
	if len(drained) != 2 {
		t.Fatalf("expected 2 events, got %d", len(drained))
	}
	if drained[0].EventType != EventNewFollower || drained[1].EventType != EventItemVoted {
		t.Fatalf("expected publish order preserved, got %q then %q", drained[0].EventType, drained[1].EventType)
	}

	if remaining := dispatcher.Drain("user-a"); len(remaining) != 0 {
		t.Fatalf("expected drain to clear the queue, got %d events", len(remaining))
	}
	if other := dispatcher.Drain("user-z"); len(other) != 1 {
		t.Fatalf("expected other user's queue untouched, got %d events", len(other))
	}
}

func TestPublishDropsOldestWhenBufferFull(t *testing.T) {
	dispatcher := NewEventDispatcher()
	for i := 0; i < eventBufferSize+5; i++ {
		dispatcher.Publish(Event{
			UserID:    "user-a",
			EventType: EventItemVoted,
			SubjectID: fmt.Sprintf("item-%d", i),
		})
	}

	drained := dispatcher.Drain("user-a")
	if len(drained) != eventBufferSize {
		t.Fatalf("expected queue capped at %d, got %d", eventBufferSize, len(drained))
	}
	if drained[0].SubjectID != "item-5" {
		t.Fatalf("expected oldest events dropped, queue starts at %q", drained[0].SubjectID)
	}
	if last := drained[len(drained)-1].SubjectID; last != fmt.Sprintf("item-%d", eventBufferSize+4) {
		t.Fatalf("expected newest event retained, queue ends at %q", last)
	}
}

func TestPublishIgnoresUnaddressedEvents(t *testing.T) {
	dispatcher := NewEventDispatcher()
	dispatcher.Publish(Event{EventType: EventNewFollower, SubjectID: "user-b"})
	dispatcher.Publish(Event{UserID: "user-a", SubjectID: "user-b"})

	if drained := dispatcher.Drain("user-a"); len(drained) != 0 {
		t.Fatalf("expected malformed events discarded, got %d", len(drained))
	}
}

func TestDropUserDiscardsPending(t *testing.T) {
	dispatcher := NewEventDispatcher()
	dispatcher.Publish(Event{UserID: "user-a", EventType: EventNewFollower, SubjectID: "user-b"})

	dispatcher.DropUser("user-a")

	if drained := dispatcher.Drain("user-a"); len(drained) != 0 {
		t.Fatalf("expected no events after drop, got %d", len(drained))
	}
}
