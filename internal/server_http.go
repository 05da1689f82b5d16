package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visitorhub/internal/storage"
)

// Server holds the HTTP and websocket handlers for one service instance.
type Server struct {
	svc          *Service
	notifier     *Notifier
	metrics      *Metrics
	trackLimiter *RateLimiter
}

func NewServer(svc *Service, notifier *Notifier, metrics *Metrics) *Server {
	return &Server{
		svc:          svc,
		notifier:     notifier,
		metrics:      metrics,
		trackLimiter: NewRateLimiter(trackRateBurst, trackRateWindow),
	}
}

type VisitorDTO struct {
	ID          int64            `json:"id"`
	SessionID   string           `json:"sessionId"`
	IsOnline    bool             `json:"isOnline"`
	LastSeen    time.Time        `json:"lastSeen"`
	IsRead      bool             `json:"isRead"`
	IsFavorite  bool             `json:"isFavorite"`
	CurrentPage string           `json:"currentPage,omitempty"`
	FormData    storage.FormData `json:"formData"`
	Metadata    storage.Metadata `json:"metadata"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func visitorToDTO(v storage.Visitor) VisitorDTO {
	return VisitorDTO{
		ID:          v.ID,
		SessionID:   v.SessionID,
		IsOnline:    v.IsOnline,
		LastSeen:    v.LastSeen,
		IsRead:      v.IsRead,
		IsFavorite:  v.IsFavorite,
		CurrentPage: v.CurrentPage,
		FormData:    v.FormData,
		Metadata:    v.Meta,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
}

type listResponse struct {
	Visitors []VisitorDTO `json:"visitors"`
}

type deleteRequest struct {
	IDs []int64 `json:"ids"`
}

type favoriteRequest struct {
	Favorite bool `json:"favorite"`
}

// HandleVisitors serves GET (list with optional ?search=) and DELETE (batch
// removal) on /api/visitors.
func (s *Server) HandleVisitors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListVisitors(w, r)
	case http.MethodDelete:
		s.handleDeleteVisitors(w, r)
	default:
		methodNotAllowed(w, http.MethodGet+", "+http.MethodDelete)
	}
}

func (s *Server) handleListVisitors(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.ListVisitors(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := listResponse{Visitors: make([]VisitorDTO, 0, len(records))}
	for _, v := range records {
		resp.Visitors = append(resp.Visitors, visitorToDTO(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteVisitors(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ids are required"))
		return
	}
	if err := s.svc.DeleteVisitors(r.Context(), req.IDs); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVisitorAction routes POST /api/visitors/{id}/read and
// /api/visitors/{id}/favorite.
func (s *Server) HandleVisitorAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/visitors/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid visitor id"))
		return
	}

	switch parts[1] {
	case "read":
		err = s.svc.MarkAsRead(r.Context(), id)
	case "favorite":
		var req favoriteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err = s.svc.ToggleFavorite(r.Context(), id, req.Favorite)
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats serves the aggregate snapshot.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	snap, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
