package internal

import "visitorhub/internal/storage"

// AggregateSnapshot is the derived dashboard summary. Instances are computed
// fresh and never mutated.
type AggregateSnapshot struct {
	Total              int            `json:"total"`
	Active             int            `json:"active"`
	Submitted          int            `json:"submitted"`
	ActiveSubmitted    int            `json:"activeSubmitted"`
	ActiveNotSubmitted int            `json:"activeNotSubmitted"`
	ByPage             map[string]int `json:"byPage"`
}

// hasSubmission reports whether any page entry exists in the payload. An
// empty-but-present page object still counts as a submission; the dashboard
// has always treated "page object has keys" as the whole predicate.
func hasSubmission(data storage.FormData) bool {
	return len(data) > 0
}

// ComputeSnapshot derives the aggregate view from a record list and the set
// of online sessions. Pure function of its inputs: callers overlay live
// presence data onto the records first.
func ComputeSnapshot(records []storage.Visitor, online map[string]struct{}) AggregateSnapshot {
	snap := AggregateSnapshot{
		Total:  len(records),
		ByPage: make(map[string]int),
	}
	for _, v := range records {
		_, isActive := online[v.SessionID]
		submitted := hasSubmission(v.FormData)
		if isActive {
			snap.Active++
			if submitted {
				snap.ActiveSubmitted++
			}
		}
		if submitted {
			snap.Submitted++
		}
		if v.CurrentPage != "" {
			snap.ByPage[v.CurrentPage]++
		}
	}
	// Never negative: activeSubmitted counts a subset of active.
	snap.ActiveNotSubmitted = snap.Active - snap.ActiveSubmitted
	return snap
}
