// Package httpapi exposes the build monitor's status/control HTTP
// surface: liveness, Prometheus scraping, a point-in-time status
// snapshot, and a websocket stream of BuildEvents. It is intentionally
// unauthenticated — see SPEC_FULL.md §9.6 — and is meant to sit behind an
// operator-controlled network boundary, not to be exposed directly.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/refwatch/buildmonitor/internal/buildevent"
	"github.com/refwatch/buildmonitor/internal/dispatcher"
	"github.com/refwatch/buildmonitor/internal/supervisor"
)

const maxEventClients = 200

// StatusProvider is the subset of supervisor state the /status endpoint
// reports. Defined as an interface so handlers can be tested against a
// fake without constructing a real Supervisor.
type StatusProvider interface {
	State() supervisor.State
}

// ActiveProvider is the subset of dispatcher state the /status endpoint
// reports.
type ActiveProvider interface {
	ActiveSHAs() []string
}

type statusResponse struct {
	State       string    `json:"state"`
	ActiveSHAs  []string  `json:"active_shas"`
	ActiveCount int       `json:"active_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Server wires together the HTTP handlers and the websocket event hub.
type Server struct {
	mux        *http.ServeMux
	supervisor StatusProvider
	dispatcher ActiveProvider
	hub        *eventHub
	log        zerolog.Logger
}

// New builds a Server. reg is the Prometheus registry to serve at
// /metrics; pass prometheus.DefaultRegisterer's concrete registry, or the
// same *prometheus.Registry handed to metrics.New.
//
// The Supervisor and Dispatcher are wired in afterward via SetProviders,
// because the dispatcher's event sink (Sink) must exist before the
// dispatcher itself can be constructed, while /status needs the
// dispatcher and supervisor to exist first — the two sides of main's
// wiring are constructed in opposite orders.
func New(reg *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		mux: http.NewServeMux(),
		hub: newEventHub(log),
		log: log,
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return s
}

// SetProviders wires the live Supervisor and Dispatcher into /status.
// Must be called once, before the HTTP server starts accepting traffic.
func (s *Server) SetProviders(sup StatusProvider, dispch ActiveProvider) {
	s.supervisor = sup
	s.dispatcher = dispch
}

// Handler returns the composed http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// Sink returns the buildevent.Sink that feeds the /events websocket
// stream. Wire this into the dispatcher alongside any logging sink via
// buildevent.Multi.
func (s *Server) Sink() buildevent.Sink { return s.hub }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	active := s.dispatcher.ActiveSHAs()
	resp := statusResponse{
		State:       s.supervisor.State().String(),
		ActiveSHAs:  active,
		ActiveCount: len(active),
		GeneratedAt: time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("httpapi: websocket upgrade failed")
		return
	}

	s.hub.register(conn)
	defer s.hub.unregister(conn)

	// Drain and discard client frames; we only ever write. This also lets
	// us notice a closed connection via the read error.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// eventHub fans every BuildEvent out to every connected websocket client.
// Writes happen synchronously in Emit, one client after another, under a
// single read lock over the client set; each write has a 2 second
// deadline, so a slow client can delay the dispatcher that produced the
// event by up to that long per write before it is dropped.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	log     zerolog.Logger
}

func newEventHub(log zerolog.Logger) *eventHub {
	return &eventHub{clients: make(map[*websocket.Conn]struct{}), log: log}
}

func (h *eventHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxEventClients {
		h.log.Warn().Msg("httpapi: event stream at capacity, rejecting client")
		_ = conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
}

func (h *eventHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

// Emit implements buildevent.Sink. It is called synchronously from the
// dispatcher's state-transition goroutine, so each write gets a short
// deadline and any failure just drops that client rather than
// propagating.
func (h *eventHub) Emit(e buildevent.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			go h.unregister(conn)
		}
	}
}

// ensure Dispatcher satisfies ActiveProvider at compile time.
var _ ActiveProvider = (*dispatcher.Dispatcher)(nil)
var _ StatusProvider = (*supervisor.Supervisor)(nil)
