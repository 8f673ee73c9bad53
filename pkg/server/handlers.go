package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gawyli/wakecall/pkg/calls"
	"github.com/gawyli/wakecall/pkg/relay"
	"github.com/gawyli/wakecall/pkg/routines"
	"github.com/gawyli/wakecall/pkg/telephony"
)

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	reqID, _ := RequestIDFrom(r.Context())
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   message,
		RequestID: reqID,
	}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"activeCalls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	cfg := s.deps.Config
	if cfg.PublicHost == "" {
		issues = append(issues, "public host not configured")
	}
	if cfg.CallTimeLimit <= 0 {
		issues = append(issues, "call time limit must be > 0")
	}
	if cfg.VADSilenceDuration <= 0 {
		issues = append(issues, "vad silence duration must be > 0")
	}
	if s.deps.Store == nil {
		issues = append(issues, "routine store not configured")
	}
	if s.deps.Dialer == nil {
		issues = append(issues, "dialer not configured")
	}

	ok := len(issues) == 0 && !s.draining.Load()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:          ok,
		Draining:    s.draining.Load(),
		ActiveCalls: s.deps.Calls.Count(),
		Issues:      issues,
	})
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, r, http.StatusServiceUnavailable, "draining", "server is draining")
		return
	}
	routineID := r.PathValue("routineID")

	routine, err := s.deps.Store.GetByID(r.Context(), routineID)
	if errors.Is(err, routines.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "routine_not_found", "no routine with that id")
		return
	}
	if err != nil {
		s.logger.Error("routine lookup failed", "routine_id", routineID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not load routine")
		return
	}

	sid, err := s.deps.Dialer.PlaceCall(r.Context(), routine.PhoneNumber, routine.ID)
	if err != nil {
		s.logger.Error("call placement failed", "routine_id", routineID, "error", err)
		writeError(w, r, http.StatusBadGateway, "placement_failed", "could not place outbound call")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"callSid":   sid,
		"routineId": routine.ID,
	})
}

func (s *Server) handleCallWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Dialer.ValidateWebhook(r) {
		writeError(w, r, http.StatusForbidden, "bad_signature", "webhook signature rejected")
		return
	}
	routineID := r.PathValue("routineID")

	doc, err := s.deps.Dialer.StreamTwiML(routineID)
	if err != nil {
		s.logger.Error("twiml render failed", "routine_id", routineID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "twiml_error", "could not render call instructions")
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Dialer.ValidateWebhook(r) {
		writeError(w, r, http.StatusForbidden, "bad_signature", "webhook signature rejected")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_form", "could not parse status callback")
		return
	}
	s.logger.Info("call status update",
		"call_sid", r.PostForm.Get("CallSid"),
		"status", r.PostForm.Get("CallStatus"),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Calls.Active()
	if active == nil {
		active = []calls.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": active})
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, r, http.StatusServiceUnavailable, "draining", "server is draining")
		return
	}
	routineID := r.PathValue("routineID")

	routine, err := s.deps.Store.GetByID(r.Context(), routineID)
	if errors.Is(err, routines.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "routine_not_found", "no routine with that id")
		return
	}
	if err != nil {
		s.logger.Error("routine lookup failed", "routine_id", routineID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not load routine")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The request context dies with the handler; the call outlives neither
	// the tracker cancel nor the relay's own time limit.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	convo, err := s.deps.Connect(ctx, routine.SystemPrompt())
	if err != nil {
		s.logger.Error("conversation connect failed", "routine_id", routineID, "error", err)
		_ = conn.Close()
		return
	}

	cfg := s.deps.Config
	tel := telephony.NewChannel(conn, s.logger, cfg.WSWriteTimeout)
	tel.KeepAlive(cfg.WSPingInterval)

	callID := uuid.NewString()
	sess := relay.New(callID, tel, convo, relay.Config{
		CallTimeLimit: cfg.CallTimeLimit,
		GracePeriod:   cfg.RelayGracePeriod,
	}, s.logger)

	unregister := s.deps.Calls.Register(callID, calls.Handle{
		Info: calls.Info{
			CallID:      callID,
			RoutineID:   routine.ID,
			PhoneNumber: routine.PhoneNumber,
			StartedAt:   time.Now().UTC(),
		},
		Cancel: cancel,
	})
	defer unregister()

	if err := sess.Run(ctx); err != nil {
		s.logger.Error("relay session failed", "call_id", callID, "error", err)
	}
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	var routine routines.Routine
	if err := json.NewDecoder(r.Body).Decode(&routine); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "could not decode routine")
		return
	}
	if err := s.deps.Store.Create(r.Context(), &routine); err != nil {
		if verr := routine.Validate(); verr != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_routine", verr.Error())
			return
		}
		s.logger.Error("routine create failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not create routine")
		return
	}
	writeJSON(w, http.StatusCreated, routine)
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	userProfileID := r.URL.Query().Get("userProfileId")
	if userProfileID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_param", "userProfileId query parameter is required")
		return
	}
	list, err := s.deps.Store.ListByUserProfileID(r.Context(), userProfileID)
	if err != nil {
		s.logger.Error("routine list failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not list routines")
		return
	}
	if list == nil {
		list = []*routines.Routine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routines": list})
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	routine, err := s.deps.Store.GetByID(r.Context(), id)
	if errors.Is(err, routines.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "routine_not_found", "no routine with that id")
		return
	}
	if err != nil {
		s.logger.Error("routine lookup failed", "routine_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not load routine")
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handleUpdateRoutine(w http.ResponseWriter, r *http.Request) {
	var routine routines.Routine
	if err := json.NewDecoder(r.Body).Decode(&routine); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "could not decode routine")
		return
	}
	routine.ID = r.PathValue("id")

	err := s.deps.Store.Update(r.Context(), &routine)
	if errors.Is(err, routines.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "routine_not_found", "no routine with that id")
		return
	}
	if err != nil {
		if verr := routine.Validate(); verr != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_routine", verr.Error())
			return
		}
		s.logger.Error("routine update failed", "routine_id", routine.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not update routine")
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Store.Delete(r.Context(), id)
	if errors.Is(err, routines.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "routine_not_found", "no routine with that id")
		return
	}
	if err != nil {
		s.logger.Error("routine delete failed", "routine_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_error", "could not delete routine")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
