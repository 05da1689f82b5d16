package internal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"visitorhub/internal/storage"
)

// Service is the query and mutation facade over the visitor store, the
// presence tracker, and the change notifier. One instance owns all mutable
// state; construct with NewService and release with Close.
type Service struct {
	store    *storage.Store
	presence *PresenceTracker
	notifier *Notifier
	metrics  *Metrics

	// cached is the memoized aggregate snapshot, invalidated by every
	// published event. Reads may lag the newest mutation by one event.
	// cacheGen counts invalidations, so a computation that overlapped one
	// cannot repopulate the cache with pre-event state.
	cacheMu  sync.Mutex
	cached   *AggregateSnapshot
	cacheGen uint64
}

// NewService wires the facade. idleTimeout <= 0 uses the default. The
// tracker's sweep is started here; Close stops it and shuts the notifier
// down.
func NewService(store *storage.Store, notifier *Notifier, metrics *Metrics, idleTimeout time.Duration) *Service {
	s := &Service{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
	}
	s.presence = NewPresenceTracker(idleTimeout, s.handleIdle)
	s.presence.Start()
	return s
}

// Close stops the idle sweep and drops all subscribers. The store is owned
// by the caller and closed separately.
func (s *Service) Close() {
	s.presence.Stop()
	s.notifier.Close()
}

// Presence exposes the tracker for transports that feed it directly.
func (s *Service) Presence() *PresenceTracker {
	return s.presence
}

// publish invalidates the snapshot cache and fans the event out.
func (s *Service) publish(kind EventKind, visitorIDs []int64, sessionID string) {
	s.cacheMu.Lock()
	s.cached = nil
	s.cacheGen++
	s.cacheMu.Unlock()
	s.notifier.Publish(kind, visitorIDs, sessionID)
	if s.metrics != nil {
		s.metrics.IncEventPublished()
	}
}

// overlayPresence rewrites the stale persisted presence fields with the live
// tracker state. The tracker always wins over the stored column.
func (s *Service) overlayPresence(records []storage.Visitor) {
	for i := range records {
		records[i].IsOnline = s.presence.Online(records[i].SessionID)
		if page, ok := s.presence.CurrentPage(records[i].SessionID); ok {
			records[i].CurrentPage = page
		}
	}
}

// ListVisitors returns all visitors newest-first, with live presence
// overlaid, filtered by the search query. Store errors surface unmodified.
func (s *Service) ListVisitors(ctx context.Context, query string) ([]storage.Visitor, error) {
	records, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	s.overlayPresence(records)
	return FilterVisitors(records, query), nil
}

// Stats returns the aggregate snapshot, memoized until the next change
// event.
func (s *Service) Stats(ctx context.Context) (AggregateSnapshot, error) {
	s.cacheMu.Lock()
	if s.cached != nil {
		snap := *s.cached
		s.cacheMu.Unlock()
		return snap, nil
	}
	gen := s.cacheGen
	s.cacheMu.Unlock()

	records, err := s.store.GetAll(ctx)
	if err != nil {
		return AggregateSnapshot{}, err
	}
	s.overlayPresence(records)
	snap := ComputeSnapshot(records, s.presence.Snapshot())
	s.cacheSnapshot(snap, gen)
	return snap, nil
}

// cacheSnapshot memoizes a computed snapshot unless an event invalidated the
// cache while the computation ran. Storing it anyway would pin pre-event
// state until the next invalidation.
func (s *Service) cacheSnapshot(snap AggregateSnapshot, gen uint64) {
	s.cacheMu.Lock()
	if s.cacheGen == gen {
		s.cached = &snap
	}
	s.cacheMu.Unlock()
}

// MarkAsRead flips the read flag on. Already-read is a no-op success with no
// event; a missing id is storage.ErrNotFound.
func (s *Service) MarkAsRead(ctx context.Context, id int64) error {
	changed, err := s.store.MarkRead(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		s.publish(EventDataUpdated, []int64{id}, "")
	}
	return nil
}

// ToggleFavorite sets the favorite flag to exactly the desired value.
func (s *Service) ToggleFavorite(ctx context.Context, id int64, favorite bool) error {
	changed, err := s.store.SetFavorite(ctx, id, favorite)
	if err != nil {
		return err
	}
	if changed {
		s.publish(EventDataUpdated, []int64{id}, "")
	}
	return nil
}

// DeleteVisitors removes the given ids in one transaction. Unknown ids are
// ignored; one deleted event is published per removed row, only after the
// transaction committed.
func (s *Service) DeleteVisitors(ctx context.Context, ids []int64) error {
	removed, err := s.store.DeleteByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, d := range removed {
		s.presence.Forget(d.SessionID)
		s.publish(EventDeleted, []int64{d.ID}, d.SessionID)
	}
	return nil
}

// RecordActivity handles a connection, heartbeat, or page event from a
// visitor session. The store row is created on first sight; a failed store
// write suppresses both the presence update and any event.
func (s *Service) RecordActivity(ctx context.Context, sessionID, page string, meta storage.Metadata) error {
	now := time.Now()
	id, createdRow, err := s.store.UpsertActivity(ctx, sessionID, page, now, meta)
	if err != nil {
		return fmt.Errorf("record activity for %s: %w", sessionID, err)
	}
	entryCreated, cameOnline := s.presence.RecordActivity(sessionID, page, now)

	switch {
	case createdRow:
		if s.metrics != nil {
			s.metrics.IncVisitorCreated()
		}
		s.publish(EventNewVisitor, []int64{id}, sessionID)
	case entryCreated || cameOnline:
		// Known visitor reconnecting, possibly after a restart wiped the
		// tracker.
		s.publish(EventPresenceChanged, []int64{id}, sessionID)
	}
	if page != "" && !createdRow {
		s.publish(EventDataUpdated, []int64{id}, sessionID)
	}
	return nil
}

// RecordForm merges one page's submitted fields into the visitor's payload
// and refreshes presence. The event publishes only after the write landed.
func (s *Service) RecordForm(ctx context.Context, sessionID, page string, fields map[string]string) error {
	now := time.Now()
	id, err := s.store.MergeFormData(ctx, sessionID, page, fields, now)
	if err != nil {
		return fmt.Errorf("record form for %s: %w", sessionID, err)
	}
	_, cameOnline := s.presence.RecordActivity(sessionID, "", now)
	if cameOnline {
		s.publish(EventPresenceChanged, []int64{id}, sessionID)
	}
	s.publish(EventDataUpdated, []int64{id}, sessionID)
	return nil
}

// RecordDisconnect flags the session offline. The tracker is authoritative:
// the presence event publishes on a real transition even if the persisted
// mirror write fails, which only delays the stored column until the next
// write.
func (s *Service) RecordDisconnect(ctx context.Context, sessionID string) {
	now := time.Now()
	if !s.presence.RecordDisconnect(sessionID, now) {
		return
	}
	id, err := s.store.SetOnline(ctx, sessionID, false, now)
	if err != nil {
		log.Printf("service: persist offline for %s: %v", sessionID, err)
	}
	s.publish(EventPresenceChanged, visitorIDs(id), sessionID)
}

// handleIdle is the sweep callback: one presence-changed event per session
// the sweep flipped offline.
func (s *Service) handleIdle(sessionID string, lastActivity time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := s.store.SetOnline(ctx, sessionID, false, lastActivity)
	if err != nil {
		log.Printf("service: persist idle-offline for %s: %v", sessionID, err)
	}
	s.publish(EventPresenceChanged, visitorIDs(id), sessionID)
}

// visitorIDs wraps a resolved row id for an event, nil when the row is gone.
func visitorIDs(id int64) []int64 {
	if id == 0 {
		return nil
	}
	return []int64{id}
}
