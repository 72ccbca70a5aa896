package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/store"
	"github.com/go-chi/chi/v5"
)

// MessageRequest is the body of POST /messages.
type MessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Name   string `json:"name,omitempty"`
}

// LimitRequest is the body of PUT /limits/{userID}. Omitted fields keep
// their current value.
type LimitRequest struct {
	PerMinute *int `json:"per_minute"`
	PerHour   *int `json:"per_hour"`
}

// LimitsView is returned by GET /limits/{userID}.
type LimitsView struct {
	UserID string `json:"user_id"`
	models.EffectiveLimits
	Blocked bool `json:"blocked"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "ok"}))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: user_id"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: text"))
		return
	}

	result := s.coach.ProcessMessage(r.Context(), req.UserID, req.Text, req.Name)
	slog.Info("Server.messageHandler: turn processed", "userID", req.UserID, "phase", result.Phase)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) listLimitsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.limiter.ListLimits()))
}

func (s *Server) getLimitsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSONResponse(w, http.StatusOK, models.Success(LimitsView{
		UserID:          userID,
		EffectiveLimits: s.limiter.GetLimits(userID),
		Blocked:         s.limiter.Blocked(userID),
	}))
}

func (s *Server) setLimitsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	userID := chi.URLParam(r, "userID")
	var req LimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PerMinute == nil && req.PerHour == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Provide per_minute and/or per_hour"))
		return
	}
	if err := s.limiter.SetLimit(userID, req.PerMinute, req.PerHour); err != nil {
		slog.Warn("Server.setLimitsHandler: rejected", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.setLimitsHandler: limits updated", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Limits updated", s.limiter.GetLimits(userID)))
}

func (s *Server) removeLimitsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.limiter.RemoveLimit(userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Custom limits removed", s.limiter.GetLimits(userID)))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	state, err := s.coach.State(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	if err != nil {
		slog.Error("Server.stateHandler: failed to load state", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	count := DefaultHistoryCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("count must be a positive integer"))
			return
		}
		count = min(n, MaxHistoryCount)
	}

	msgs, err := s.coach.History(r.Context(), userID, count)
	if err != nil {
		slog.Error("Server.historyHandler: failed to load history", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) clearUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.coach.ClearUser(r.Context(), userID); err != nil {
		slog.Error("Server.clearUserHandler: clear failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear user data"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User data cleared", nil))
}
