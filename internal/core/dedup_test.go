package core

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func dedupEvent(eventType, src, msg string) *Event {
	return &Event{EventType: eventType, SourceIP: src, Message: msg, RawLog: "<34>" + msg}
}

func TestEventDedup_NewEvent_NotDuplicate(t *testing.T) {
	d := NewEventDedup(5*time.Second, 1000, NewFakeClock(time.Unix(1_700_000_000, 0)))
	if d.IsDuplicate(dedupEvent(EventAuthFailure, "1.2.3.4", "test")) {
		t.Error("first event should not be a duplicate")
	}
}

func TestEventDedup_SameEvent_IsDuplicate(t *testing.T) {
	d := NewEventDedup(5*time.Second, 1000, NewFakeClock(time.Unix(1_700_000_000, 0)))
	e := dedupEvent(EventAuthFailure, "1.2.3.4", "test")
	d.IsDuplicate(e)
	if !d.IsDuplicate(e) {
		t.Error("identical event should be a duplicate")
	}
}

func TestEventDedup_DistinctFields_NotDuplicate(t *testing.T) {
	base := dedupEvent(EventAuthFailure, "1.2.3.4", "test")
	tests := []struct {
		name  string
		other *Event
	}{
		{"type", dedupEvent(EventAuthSuccess, "1.2.3.4", "test")},
		{"source", dedupEvent(EventAuthFailure, "5.6.7.8", "test")},
		{"message", dedupEvent(EventAuthFailure, "1.2.3.4", "other")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewEventDedup(5*time.Second, 1000, NewFakeClock(time.Unix(1_700_000_000, 0)))
			d.IsDuplicate(base)
			if d.IsDuplicate(tt.other) {
				t.Errorf("event differing in %s should not be a duplicate", tt.name)
			}
		})
	}
}

func TestEventDedup_ExpiresAfterTTL(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	d := NewEventDedup(5*time.Second, 1000, clock)
	e := dedupEvent(EventAuthFailure, "1.2.3.4", "test")
	d.IsDuplicate(e)

	clock.Advance(4 * time.Second)
	if !d.IsDuplicate(e) {
		t.Error("event inside TTL should be a duplicate")
	}
	clock.Advance(6 * time.Second)
	if d.IsDuplicate(e) {
		t.Error("event after TTL should not be a duplicate")
	}
}

func TestEventDedup_LongMessagesComparedByPrefix(t *testing.T) {
	d := NewEventDedup(5*time.Second, 1000, NewFakeClock(time.Unix(1_700_000_000, 0)))
	prefix := strings.Repeat("x", 300)
	e1 := &Event{EventType: EventDNSQuery, SourceIP: "1.1.1.1", Message: prefix + "a", RawLog: prefix + "a"}
	e2 := &Event{EventType: EventDNSQuery, SourceIP: "1.1.1.1", Message: prefix + "b", RawLog: prefix + "b"}
	d.IsDuplicate(e1)
	if !d.IsDuplicate(e2) {
		t.Error("events differing only past the fingerprint prefix should collide")
	}
}

func TestEventDedup_EvictsOverCapacity(t *testing.T) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	d := NewEventDedup(time.Minute, 10, clock)
	for i := 0; i < 25; i++ {
		d.IsDuplicate(dedupEvent(EventDNSQuery, fmt.Sprintf("10.0.0.%d", i), "q"))
	}
	if d.Size() > 10 {
		t.Errorf("Size() = %d, want <= 10", d.Size())
	}
}

func TestEventDedup_Defaults(t *testing.T) {
	d := NewEventDedup(0, 0, nil)
	if d.ttl != 30*time.Second || d.maxSize != 50000 {
		t.Errorf("defaults = ttl %v, max %d", d.ttl, d.maxSize)
	}
}
