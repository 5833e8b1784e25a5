package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/live"
)

type startSessionRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	EntityID    string            `json:"entity_id"`
	WindowEvery jsontime.Duration `json:"window_every,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id required")
		return
	}
	every := req.WindowEvery.Duration()
	if every != 0 && (every < minWindowEvery || every > maxWindowEvery) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("window_every %s outside %s..%s", every, minWindowEvery, maxWindowEvery))
		return
	}

	push := asr.NewPush(0)
	sess, err := s.coord.StartSession(r.Context(), live.SessionConfig{
		SessionID:   req.SessionID,
		EntityID:    req.EntityID,
		Source:      push,
		WindowEvery: every,
	})
	if err != nil {
		_ = push.Close()
		writeLiveError(w, err)
		return
	}

	s.mu.Lock()
	s.pushes[sess.ID()] = push
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, sess.Status())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.coord.Sessions()
	statuses := make([]*live.Status, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Session(mux.Vars(r)["id"])
	if err != nil {
		writeLiveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.StopSession(r.Context(), id); err != nil {
		writeLiveError(w, err)
		return
	}
	s.mu.Lock()
	delete(s.pushes, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	push, ok := s.pushes[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.coord.Session(id); err != nil {
			writeLiveError(w, err)
		} else {
			writeError(w, http.StatusConflict, "session does not accept pushed events")
		}
		return
	}

	var ev asr.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
		return
	}
	if err := push.Send(r.Context(), &ev); err != nil {
		if errors.Is(err, asr.ErrClosed) {
			writeError(w, http.StatusConflict, "session no longer accepts events")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"seq": ev.Seq})
}

func (s *Server) handlePushDanmu(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Session(mux.Vars(r)["id"])
	if err != nil {
		writeLiveError(w, err)
		return
	}

	var msg danmu.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode message: %v", err))
		return
	}
	if err := sess.PushDanmu(r.Context(), &msg); err != nil {
		if errors.Is(err, live.ErrSessionStopped) {
			writeLiveError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.EntitySession(mux.Vars(r)["entity"])
	if err != nil {
		writeLiveError(w, err)
		return
	}

	n := defaultTranscriptTail
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, sess.Transcript(n))
}
