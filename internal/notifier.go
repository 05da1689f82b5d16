package internal

import (
	"errors"
	"log"
	"sync"
	"time"
)

const (
	// subscriberBuffer bounds how far one observer may fall behind before
	// it is dropped and must resync.
	subscriberBuffer = 256
	// replayWindow is how many recent events are kept for reconnect replay.
	replayWindow = 256
)

// ErrReplayExpired means the requested resume point has scrolled out of the
// replay window; the observer must resync with a full list instead.
var ErrReplayExpired = errors.New("replay window expired, full resync required")

// ErrNotifierClosed is returned by Subscribe and Publish after Close.
var ErrNotifierClosed = errors.New("notifier closed")

// Subscription is one observer's handle on the event stream. Events arrive
// in publish order; the channel closes when the observer is unsubscribed,
// dropped for falling behind, or the notifier shuts down. A closed channel
// always means "resync, then resubscribe".
type Subscription struct {
	ObserverID string
	ch         chan ChangeEvent
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.ch
}

// Notifier fans change events out to subscribed observers. Publish assigns
// sequence numbers under the lock, so every observer sees events in a single
// total order; a full subscriber buffer drops that subscriber rather than
// blocking the publisher.
type Notifier struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[string]*Subscription
	ring   []ChangeEvent
	closed bool

	// onDrop observes overflow drops, e.g. to bump a metric. May be nil.
	onDrop func(observerID string)
}

// NewNotifier builds an empty notifier. onDrop may be nil.
func NewNotifier(onDrop func(observerID string)) *Notifier {
	return &Notifier{
		subs:   make(map[string]*Subscription),
		onDrop: onDrop,
	}
}

// Subscribe registers an observer. sinceSeq = 0 starts a fresh stream;
// a nonzero sinceSeq replays every retained event after that sequence
// number, or fails with ErrReplayExpired when the window has moved on.
// Resubscribing with an id that is already registered replaces the old
// subscription.
func (n *Notifier) Subscribe(observerID string, sinceSeq uint64) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNotifierClosed
	}

	var backlog []ChangeEvent
	if sinceSeq > 0 && sinceSeq < n.seq {
		oldest := n.seq - uint64(len(n.ring)) + 1
		if len(n.ring) == 0 || sinceSeq+1 < oldest {
			return nil, ErrReplayExpired
		}
		for _, ev := range n.ring {
			if ev.Seq > sinceSeq {
				backlog = append(backlog, ev)
			}
		}
	}

	if old, ok := n.subs[observerID]; ok {
		delete(n.subs, observerID)
		close(old.ch)
	}

	sub := &Subscription{
		ObserverID: observerID,
		ch:         make(chan ChangeEvent, subscriberBuffer+len(backlog)),
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	n.subs[observerID] = sub
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// for a subscription that was already dropped.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.subs[sub.ObserverID]; ok && current == sub {
		delete(n.subs, sub.ObserverID)
		close(sub.ch)
	}
}

// Publish assigns the next sequence number and fans the event out to every
// subscriber without blocking. A subscriber whose buffer is full is dropped
// and must resync; the publisher never sees that as an error.
func (n *Notifier) Publish(kind EventKind, visitorIDs []int64, sessionID string) ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ChangeEvent{}
	}

	n.seq++
	ev := ChangeEvent{
		Seq:        n.seq,
		Kind:       kind,
		VisitorIDs: visitorIDs,
		SessionID:  sessionID,
		Ts:         time.Now().Unix(),
	}
	n.ring = append(n.ring, ev)
	if len(n.ring) > replayWindow {
		n.ring = n.ring[len(n.ring)-replayWindow:]
	}

	for id, sub := range n.subs {
		select {
		case sub.ch <- ev:
		default:
			// Too slow to read; dropping keeps publish non-blocking.
			delete(n.subs, id)
			close(sub.ch)
			log.Printf("notifier: dropped observer %s at seq %d (buffer full)", id, ev.Seq)
			if n.onDrop != nil {
				n.onDrop(id)
			}
		}
	}
	return ev
}

// Seq returns the sequence number of the most recently published event.
func (n *Notifier) Seq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Close drops every subscriber and rejects further publishes.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub.ch)
	}
}
