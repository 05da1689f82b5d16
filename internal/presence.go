package internal

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a session may stay silent before the sweep
// flags it offline.
const DefaultIdleTimeout = 30 * time.Second

type presenceEntry struct {
	lastActivity time.Time
	online       bool
	currentPage  string
}

// PresenceTracker keeps the in-memory connection state for every session:
// last activity timestamp, online flag, and the page the session was last
// seen on. It is the authority for the derived isOnline value; the persisted
// column is only a best-effort mirror.
//
// A single mutex serializes activity, disconnect, and sweep handling, so
// concurrent events for the same session resolve by timestamp with ties
// going to arrival order.
type PresenceTracker struct {
	mu          sync.Mutex
	entries     map[string]*presenceEntry
	idleTimeout time.Duration

	// onIdle receives sessions the sweep flipped offline, one call per
	// transitioned session, outside the tracker lock.
	onIdle func(sessionID string, lastActivity time.Time)

	stop chan struct{}
	done chan struct{}
}

// NewPresenceTracker builds a tracker with the given idle timeout. onIdle
// may be nil. Call Start to run the sweep and Stop on shutdown.
func NewPresenceTracker(idleTimeout time.Duration, onIdle func(sessionID string, lastActivity time.Time)) *PresenceTracker {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &PresenceTracker{
		entries:     make(map[string]*presenceEntry),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the periodic idle sweep. Staleness detection latency is
// bounded by the sweep interval, not by reads.
func (p *PresenceTracker) Start() {
	interval := p.idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case now := <-ticker.C:
				p.SweepOnce(now)
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (p *PresenceTracker) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

// RecordActivity notes a connection, heartbeat, or page event for a session.
// The entry is created if absent; an older timestamp than the current one is
// ignored (last writer wins). It reports whether the session is new to the
// tracker and whether it transitioned from offline to online.
func (p *PresenceTracker) RecordActivity(sessionID, page string, ts time.Time) (created, cameOnline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[sessionID]
	if !ok {
		entry = &presenceEntry{lastActivity: ts, online: true, currentPage: page}
		p.entries[sessionID] = entry
		return true, true
	}
	if ts.Before(entry.lastActivity) {
		return false, false
	}
	cameOnline = !entry.online
	entry.lastActivity = ts
	entry.online = true
	if page != "" {
		entry.currentPage = page
	}
	return false, cameOnline
}

// RecordDisconnect flags the session offline immediately. An activity event
// carrying a later timestamp wins over the disconnect. Reports whether the
// session actually transitioned to offline.
func (p *PresenceTracker) RecordDisconnect(sessionID string, ts time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[sessionID]
	if !ok || ts.Before(entry.lastActivity) {
		return false
	}
	wasOnline := entry.online
	entry.online = false
	entry.lastActivity = ts
	return wasOnline
}

// Online reports whether the session is currently connected.
func (p *PresenceTracker) Online(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[sessionID]
	return ok && entry.online
}

// CurrentPage returns the live page for a session, if known.
func (p *PresenceTracker) CurrentPage(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[sessionID]
	if !ok || entry.currentPage == "" {
		return "", false
	}
	return entry.currentPage, true
}

// Snapshot returns the set of currently online session ids.
func (p *PresenceTracker) Snapshot() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	online := make(map[string]struct{}, len(p.entries))
	for id, entry := range p.entries {
		if entry.online {
			online[id] = struct{}{}
		}
	}
	return online
}

// ActiveCount returns how many sessions are online.
func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, entry := range p.entries {
		if entry.online {
			count++
		}
	}
	return count
}

// Forget drops a session's entry entirely, e.g. after its record is deleted.
func (p *PresenceTracker) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, sessionID)
}

// SweepOnce flips sessions idle past the timeout to offline and invokes the
// onIdle callback once per transitioned session. The callback runs outside
// the lock so it may publish events or touch the store.
func (p *PresenceTracker) SweepOnce(now time.Time) {
	type idle struct {
		sessionID string
		last      time.Time
	}
	var transitioned []idle

	p.mu.Lock()
	cutoff := now.Add(-p.idleTimeout)
	for id, entry := range p.entries {
		if entry.online && !entry.lastActivity.After(cutoff) {
			entry.online = false
			transitioned = append(transitioned, idle{sessionID: id, last: entry.lastActivity})
		}
	}
	p.mu.Unlock()

	if p.onIdle == nil {
		return
	}
	for _, t := range transitioned {
		p.onIdle(t.sessionID, t.last)
	}
}
