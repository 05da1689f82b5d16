package internal

// EventKind tags the variant of a ChangeEvent.
type EventKind string

const (
	EventNewVisitor      EventKind = "new-visitor"
	EventDataUpdated     EventKind = "data-updated"
	EventPresenceChanged EventKind = "presence-changed"
	EventDeleted         EventKind = "deleted"
)

// ChangeEvent is the envelope pushed to subscribed observers. Seq is
// assigned at publish time, increases monotonically per notifier instance,
// and lets observers order and dedup redelivered events.
type ChangeEvent struct {
	Seq        uint64    `json:"seq"`
	Kind       EventKind `json:"kind"`
	VisitorIDs []int64   `json:"visitorIds,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Ts         int64     `json:"ts"`
}
