package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/teleop.bridge/internal/db"
	"github.com/banshee-data/teleop.bridge/internal/monitoring"
	"github.com/banshee-data/teleop.bridge/internal/session"
	"github.com/banshee-data/teleop.bridge/internal/status"
	"github.com/banshee-data/teleop.bridge/internal/transport"
	"github.com/banshee-data/teleop.bridge/internal/xrinput"
)

// telemetryTail fans outbound telemetry frames out to debug subscribers so
// an operator can live-tail what the robot consumer is receiving.
type telemetryTail struct {
	mu          sync.Mutex
	subscribers map[string]chan []byte
}

func newTelemetryTail() *telemetryTail {
	return &telemetryTail{subscribers: make(map[string]chan []byte)}
}

func (t *telemetryTail) Subscribe() (string, chan []byte) {
	b := make([]byte, 8)
	rand.Read(b)
	id := hex.EncodeToString(b)
	ch := make(chan []byte, 8)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[id] = ch
	return id, ch
}

func (t *telemetryTail) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

func (t *telemetryTail) Publish(v interface{}) {
	t.mu.Lock()
	if len(t.subscribers) == 0 {
		t.mu.Unlock()
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.mu.Unlock()
		return
	}
	for _, ch := range t.subscribers {
		select {
		case ch <- data:
		default:
			// skip a slow subscriber so the send loop never blocks
		}
	}
	t.mu.Unlock()
}

// teeSender forwards telemetry to the transport channel and mirrors it to
// tail subscribers.
type teeSender struct {
	channel *transport.Channel
	tail    *telemetryTail
}

func (s teeSender) Send(v interface{}) {
	s.channel.Send(v)
	s.tail.Publish(v)
}

// Server exposes the bridge status/control API and the debug routes.
type Server struct {
	manager    *session.Manager
	channel    *transport.Channel
	statusSync *status.Synchronizer
	eventLog   *db.DB
	tail       *telemetryTail

	// default passthrough preference; individual start requests may
	// override it with the passthrough query parameter.
	preferPassthrough bool
}

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Session struct {
		State      session.State       `json:"state"`
		Mode       xrinput.SessionMode `json:"mode,omitempty"`
		SessionID  string              `json:"session_id,omitempty"`
		FailReason string              `json:"fail_reason,omitempty"`
		Hands      []xrinput.Hand      `json:"hands"`
	} `json:"session"`
	Connection struct {
		State          transport.State `json:"state"`
		Attempts       int             `json:"attempts"`
		ManuallyClosed bool            `json:"manually_closed"`
	} `json:"connection"`
	Recording status.View `json:"recording"`
}

// ServeMux returns the API handler.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/session/start", s.handleSessionStart)
	mux.HandleFunc("/session/stop", s.handleSessionStop)
	mux.HandleFunc("/transport/reset", s.handleTransportReset)
	mux.HandleFunc("/sessions", s.handleSessions)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var resp statusResponse
	resp.Session.State = s.manager.State()
	resp.Session.Mode = s.manager.Mode()
	resp.Session.SessionID = s.manager.SessionID()
	resp.Session.FailReason = s.manager.FailReason()
	resp.Session.Hands = []xrinput.Hand{}
	for hand := range s.manager.Snapshots() {
		resp.Session.Hands = append(resp.Session.Hands, hand)
	}
	resp.Connection.State = s.channel.State()
	resp.Connection.Attempts = s.channel.Attempts()
	resp.Connection.ManuallyClosed = s.channel.ManuallyClosed()
	resp.Recording = s.statusSync.View()

	writeJSON(w, resp)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prefer := s.preferPassthrough
	if v := r.FormValue("passthrough"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid passthrough value", http.StatusBadRequest)
			return
		}
		prefer = parsed
	}

	if err := s.manager.Start(r.Context(), prefer); err != nil {
		if err == session.ErrNotIdle {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]interface{}{
		"session_id": s.manager.SessionID(),
		"mode":       s.manager.Mode(),
	})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.manager.End("user stop")
	writeJSON(w, map[string]string{"state": string(s.manager.State())})
}

func (s *Server) handleTransportReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.channel.Reset()
	s.channel.Connect()
	writeJSON(w, map[string]string{"state": string(s.channel.State())})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.FormValue("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	sessions, err := s.eventLog.RecentSessions(limit)
	if err != nil {
		http.Error(w, "failed to query sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	writeJSON(w, sessions)
}

// AttachAdminRoutes mounts the bridge debug endpoints. The telemetry tail
// streams every outbound frame as Server-Sent Events.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("telemetry-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.tail.Subscribe()
		defer s.tail.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("failed to encode response: %v", err)
	}
}
