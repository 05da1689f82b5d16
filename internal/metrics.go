package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	visitorsCreated    atomic.Uint64
	eventsPublished    atomic.Uint64
	subscribersDropped atomic.Uint64
	trackConns         atomic.Int64
	observerConns      atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncVisitorCreated() {
	m.visitorsCreated.Add(1)
}

func (m *Metrics) IncEventPublished() {
	m.eventsPublished.Add(1)
}

func (m *Metrics) IncSubscriberDropped() {
	m.subscribersDropped.Add(1)
}

func (m *Metrics) IncTrackConn() {
	m.trackConns.Add(1)
}

func (m *Metrics) DecTrackConn() {
	m.trackConns.Add(-1)
}

func (m *Metrics) IncObserverConn() {
	m.observerConns.Add(1)
}

func (m *Metrics) DecObserverConn() {
	m.observerConns.Add(-1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"visitors_created_total":    m.visitorsCreated.Load(),
		"events_published_total":    m.eventsPublished.Load(),
		"subscribers_dropped_total": m.subscribersDropped.Load(),
		"track_connections":         m.trackConns.Load(),
		"observer_connections":      m.observerConns.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
