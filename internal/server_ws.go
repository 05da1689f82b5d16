package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"visitorhub/internal/storage"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	trackRateWindow = 3 * time.Second
	trackRateBurst  = 20
	opTimeout       = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// trackMessage is the json envelope visitor sessions send over /track.
type trackMessage struct {
	Type   string            `json:"type"` // "page", "form", "heartbeat"
	Page   string            `json:"page,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// HandleTrack upgrades a visitor connection and feeds its activity into the
// service. The connection itself is the presence signal: closing it records
// a disconnect.
func (s *Server) HandleTrack(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session query param", http.StatusBadRequest)
		return
	}
	meta := metadataFromRequest(r)
	page := r.URL.Query().Get("page")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	err = s.svc.RecordActivity(ctx, sessionID, page, meta)
	cancel()
	if err != nil {
		log.Printf("track connect %s: %v", sessionID, err)
		_ = conn.Close()
		return
	}

	s.metrics.IncTrackConn()
	t := &trackSession{conn: conn, sessionID: sessionID, server: s, done: make(chan struct{})}
	go t.pingLoop()
	go t.readPump()
}

type trackSession struct {
	conn      *websocket.Conn
	sessionID string
	server    *Server
	done      chan struct{}
}

func (t *trackSession) readPump() {
	defer func() {
		close(t.done)
		t.conn.Close()
		t.server.metrics.DecTrackConn()
		t.server.trackLimiter.Reset(t.sessionID)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		t.server.svc.RecordDisconnect(ctx, t.sessionID)
		cancel()
	}()
	t.conn.SetReadLimit(maxMsgSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred disconnect can fire
			break
		}
		if !t.server.trackLimiter.Allow(t.sessionID) {
			continue
		}
		var msg trackMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		switch msg.Type {
		case "form":
			if msg.Page == "" {
				cancel()
				continue
			}
			if err := t.server.svc.RecordForm(ctx, t.sessionID, msg.Page, msg.Fields); err != nil {
				log.Printf("track form %s: %v", t.sessionID, err)
			}
		default:
			// "page" and "heartbeat" both refresh presence; only "page"
			// carries a page name.
			if err := t.server.svc.RecordActivity(ctx, t.sessionID, msg.Page, storage.Metadata{}); err != nil {
				log.Printf("track activity %s: %v", t.sessionID, err)
			}
		}
		cancel()
	}
}

func (t *trackSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleDashboard upgrades an observer connection and streams change events
// to it. `observer` names the subscription (reconnects with the same id
// replace it); `since` resumes after the given sequence number when the
// replay window still covers it, otherwise the request fails with 410 and
// the observer must list-then-resubscribe.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	observerID := r.URL.Query().Get("observer")
	if observerID == "" {
		observerID = uuid.NewString()
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	sub, err := s.notifier.Subscribe(observerID, since)
	if err != nil {
		if errors.Is(err, ErrReplayExpired) {
			writeError(w, http.StatusGone, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.notifier.Unsubscribe(sub)
		log.Printf("upgrade error: %v", err)
		return
	}

	s.metrics.IncObserverConn()
	o := &observerConn{conn: conn, sub: sub, server: s}
	go o.writePump()
	go o.readPump()
}

type observerConn struct {
	conn   *websocket.Conn
	sub    *Subscription
	server *Server
}

func (o *observerConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
		o.server.metrics.DecObserverConn()
	}()
	for {
		select {
		case ev, ok := <-o.sub.Events():
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped for lagging or notifier shutdown. The close code
				// tells the client to resync before resubscribing.
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event stream dropped, resync required")
				_ = o.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := o.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (o *observerConn) readPump() {
	defer func() {
		o.conn.Close()
		o.server.notifier.Unsubscribe(o.sub)
	}()
	o.conn.SetReadLimit(maxMsgSize)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// metadataFromRequest derives connection metadata from the upgrade request.
// Geo fields come from gateway headers when present; browser and platform
// are sniffed from the user agent.
func metadataFromRequest(r *http.Request) storage.Metadata {
	meta := storage.Metadata{
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
		CountryCode: r.Header.Get("CF-IPCountry"),
		Country:     r.Header.Get("X-Geo-Country"),
		City:        r.Header.Get("X-Geo-City"),
	}
	sniffUserAgent(r.UserAgent(), &meta)
	return meta
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
