// Package gateway is the HTTP and websocket boundary of the assistant.
// It exposes session control, recognition event and chat ingest, transcript
// reads, a per-entity result stream and the Prometheus scrape endpoint.
package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/live"
)

const (
	// Window cadence bounds enforced on session creation. Shorter windows
	// fragment topics, longer ones answer too late.
	minWindowEvery = 30 * time.Second
	maxWindowEvery = 60 * time.Second

	defaultTranscriptTail = 50
)

// Server routes HTTP traffic onto a live.Coordinator. Sessions started over
// HTTP get a push-fed event source owned by the server, so recognizer
// deployments without a direct socket can POST events in.
type Server struct {
	coord    *live.Coordinator
	router   *mux.Router
	upgrader websocket.Upgrader

	mu     sync.Mutex
	pushes map[string]*asr.Push
}

// NewServer builds the route table around coord.
func NewServer(coord *live.Coordinator) *Server {
	s := &Server{
		coord:  coord,
		pushes: make(map[string]*asr.Push),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(logRequests)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleStopSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/events", s.handlePushEvent).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/danmu", s.handlePushDanmu).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{entity}/stream", s.handleStream).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{entity}/transcript", s.handleTranscript).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeLiveError maps coordinator sentinels onto HTTP status codes.
func writeLiveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, live.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, live.ErrSessionExists), errors.Is(err, live.ErrEntityBusy),
		errors.Is(err, live.ErrSessionStopped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, live.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// statusWriter records the status code for the request log. Hijack is
// forwarded so websocket upgrades work through the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer cannot hijack")
	}
	return hj.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"elapsed", time.Since(start))
	})
}
