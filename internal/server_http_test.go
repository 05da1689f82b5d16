package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"visitorhub/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *Service) {
	t.Helper()
	svc := newTestService(t)
	return NewServer(svc, svc.notifier, svc.metrics), svc
}

func TestHandleVisitorsList(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()

	if err := svc.RecordActivity(ctx, "session-1", "Step 1", storage.Metadata{Browser: "Chrome"}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if err := svc.RecordForm(ctx, "session-1", "Step 1", map[string]string{"fullName": "Ahmed Hassan"}); err != nil {
		t.Fatalf("RecordForm: %v", err)
	}
	if err := svc.RecordActivity(ctx, "session-2", "Step 1", storage.Metadata{}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.HandleVisitors(rec, httptest.NewRequest(http.MethodGet, "/api/visitors", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Visitors) != 2 {
		t.Fatalf("expected 2 visitors, got %d", len(resp.Visitors))
	}
	for _, v := range resp.Visitors {
		if !v.IsOnline {
			t.Fatalf("expected live presence overlay, got %+v", v)
		}
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitors(rec, httptest.NewRequest(http.MethodGet, "/api/visitors?search=hassan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp = listResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Visitors) != 1 || resp.Visitors[0].SessionID != "session-1" {
		t.Fatalf("expected only session-1 for search, got %+v", resp.Visitors)
	}
}

func TestHandleVisitorsDelete(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()

	if err := svc.RecordActivity(ctx, "session-1", "Step 1", storage.Metadata{}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	records, err := svc.ListVisitors(ctx, "")
	if err != nil || len(records) != 1 {
		t.Fatalf("ListVisitors: %v (%d records)", err, len(records))
	}

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(fmt.Sprintf(`{"ids":[%d]}`, records[0].ID))
	srv.HandleVisitors(rec, httptest.NewRequest(http.MethodDelete, "/api/visitors", body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitors(rec, httptest.NewRequest(http.MethodDelete, "/api/visitors", bytes.NewBufferString(`{"ids":[]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ids, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitors(rec, httptest.NewRequest(http.MethodDelete, "/api/visitors", bytes.NewBufferString(`not json`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandleVisitorAction(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()

	if err := svc.RecordActivity(ctx, "session-1", "Step 1", storage.Metadata{}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	records, err := svc.ListVisitors(ctx, "")
	if err != nil || len(records) != 1 {
		t.Fatalf("ListVisitors: %v (%d records)", err, len(records))
	}
	id := records[0].ID

	rec := httptest.NewRecorder()
	srv.HandleVisitorAction(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/visitors/%d/read", id), nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for read, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	body := bytes.NewBufferString(`{"favorite":true}`)
	srv.HandleVisitorAction(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/visitors/%d/favorite", id), body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for favorite, got %d: %s", rec.Code, rec.Body.String())
	}

	records, err = svc.ListVisitors(ctx, "")
	if err != nil || len(records) != 1 {
		t.Fatalf("ListVisitors: %v", err)
	}
	if !records[0].IsRead || !records[0].IsFavorite {
		t.Fatalf("flags not applied: %+v", records[0])
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitorAction(rec, httptest.NewRequest(http.MethodPost, "/api/visitors/9999/read", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitorAction(rec, httptest.NewRequest(http.MethodPost, "/api/visitors/abc/read", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitorAction(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/visitors/%d/unknown", id), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.HandleVisitorAction(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/visitors/%d/read", id), nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	srv, svc := newTestServer(t)
	ctx := context.Background()

	if err := svc.RecordActivity(ctx, "session-1", "Step 1", storage.Metadata{}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap AggregateSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Total != 1 || snap.Active != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.ByPage["Step 1"] != 1 {
		t.Fatalf("unexpected byPage: %+v", snap.ByPage)
	}
}

func TestHandleHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleTrackRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.HandleTrack(rec, httptest.NewRequest(http.MethodGet, "/track", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session param, got %d", rec.Code)
	}
}

func TestHandleDashboardBadCursor(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.HandleDashboard(rec, httptest.NewRequest(http.MethodGet, "/ws/dashboard?since=notanumber", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since cursor, got %d", rec.Code)
	}
}

func TestHandleDashboardReplayExpired(t *testing.T) {
	srv, svc := newTestServer(t)

	// Push the replay window past its capacity so cursor 0 is unservable.
	for i := 0; i < replayWindow+10; i++ {
		svc.notifier.Publish(EventDataUpdated, []int64{1}, "session-1")
	}

	rec := httptest.NewRecorder()
	srv.HandleDashboard(rec, httptest.NewRequest(http.MethodGet, "/ws/dashboard?since=1", nil))
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for expired cursor, got %d", rec.Code)
	}
}
