package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// EventDedup is a short-lived deduplication cache that keeps the same line
// from being ingested twice, e.g. when two relays forward it or a sender
// retransmits over TCP after a UDP copy already arrived. Events are
// fingerprinted by type, source address, message and raw line prefix.
type EventDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	clock   Clock
}

// NewEventDedup creates a dedup cache. TTL controls how long a fingerprint is
// remembered; maxSize caps memory by evicting entries when exceeded.
func NewEventDedup(ttl time.Duration, maxSize int, clock Clock) *EventDedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &EventDedup{
		seen:    make(map[string]time.Time, maxSize/2),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// IsDuplicate reports whether an identical event was seen within the TTL.
// If not, it records the event.
func (d *EventDedup) IsDuplicate(ev *Event) bool {
	hash := fingerprint(ev)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if seenAt, ok := d.seen[hash]; ok && now.Sub(seenAt) < d.ttl {
		return true
	}

	d.seen[hash] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}
	return false
}

// fingerprint hashes type, source, the first 128 bytes of the message and the
// first 256 bytes of the raw line.
func fingerprint(ev *Event) string {
	h := sha256.New()
	h.Write([]byte(ev.EventType))
	h.Write([]byte{0})
	h.Write([]byte(ev.SourceIP))
	h.Write([]byte{0})

	msg := ev.Message
	if len(msg) > 128 {
		msg = msg[:128]
	}
	h.Write([]byte(msg))
	h.Write([]byte{0})

	raw := ev.RawLog
	if len(raw) > 256 {
		raw = raw[:256]
	}
	h.Write([]byte(raw))

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// evictLocked removes entries older than the TTL. If the cache is still over
// capacity, an arbitrary half is dropped.
func (d *EventDedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) > d.maxSize {
		target := len(d.seen) / 2
		for k := range d.seen {
			if target == 0 {
				break
			}
			delete(d.seen, k)
			target--
		}
	}
}

// Size returns the current number of entries in the cache.
func (d *EventDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
