package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carevoice/carevoice/internal/call"
)

// inviteRequest is the body for POST /api/v1/call/invite.
type inviteRequest struct {
	GroupID              string `json:"group_id"`
	CallerID             string `json:"caller_id"`
	ReceiverID           string `json:"receiver_id"`
	CallerName           string `json:"caller_name"`
	GroupNameSnapshot    string `json:"group_name_snapshot"`
	ReceiverNameSnapshot string `json:"receiver_name_snapshot"`
}

// inviteResponse mirrors the wire contract the mobile clients consume.
type inviteResponse struct {
	CallID       string `json:"callId"`
	ChannelName  string `json:"channelName"`
	PushSent     bool   `json:"pushSent"`
	PushPlatform string `json:"pushPlatform,omitempty"`
	PushError    string `json:"pushError,omitempty"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	res, err := s.calls.Invite(r.Context(), call.InviteRequest{
		GroupID:              req.GroupID,
		CallerID:             req.CallerID,
		ReceiverID:           req.ReceiverID,
		CallerName:           req.CallerName,
		GroupNameSnapshot:    req.GroupNameSnapshot,
		ReceiverNameSnapshot: req.ReceiverNameSnapshot,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, inviteResponse{
		CallID:       res.CallID,
		ChannelName:  res.ChannelName,
		PushSent:     res.PushSent,
		PushPlatform: res.PushPlatform,
		PushError:    res.PushError,
	})
}

// answerRequest is the body for POST /api/v1/call/answer.
type answerRequest struct {
	CallID string `json:"call_id"`
	Action string `json:"action"`
}

type answerResponse struct {
	CallID      string `json:"callId"`
	ChannelName string `json:"channelName,omitempty"`
	Status      string `json:"status"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	res, err := s.calls.Answer(r.Context(), req.CallID, call.AnswerAction(req.Action))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, answerResponse{
		CallID:      res.CallID,
		ChannelName: res.ChannelName,
		Status:      string(res.Status),
	})
}

// callIDRequest is the body shared by cancel, missed and end.
type callIDRequest struct {
	CallID string `json:"call_id"`
}

type statusResponse struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req callIDRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	res, err := s.calls.Cancel(r.Context(), req.CallID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{CallID: res.CallID, Status: string(res.Status)})
}

func (s *Server) handleMarkMissed(w http.ResponseWriter, r *http.Request) {
	var req callIDRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	res, err := s.calls.MarkMissed(r.Context(), req.CallID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{CallID: res.CallID, Status: string(res.Status)})
}

type endResponse struct {
	CallID          string `json:"callId"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"durationSec"`
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req callIDRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	res, err := s.calls.End(r.Context(), req.CallID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, endResponse{
		CallID:          res.CallID,
		Status:          string(res.Status),
		DurationSeconds: res.DurationSeconds,
	})
}

// sweepRequest is the body for POST /api/v1/call/timeout/sweep. A missing
// timeout falls back to the server's configured ring timeout.
type sweepRequest struct {
	TimeoutSeconds *int `json:"timeout_seconds"`
}

type sweepResponse struct {
	UpdatedCount   int `json:"updatedCount"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	timeout := s.sweepDefault
	if req.TimeoutSeconds != nil {
		timeout = *req.TimeoutSeconds
	}

	count, err := s.calls.Sweep(r.Context(), timeout)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{UpdatedCount: count, TimeoutSeconds: timeout})
}

// callRecordResponse is the read-side view of a call record.
type callRecordResponse struct {
	CallID       string     `json:"callId"`
	ChannelName  string     `json:"channelName"`
	GroupID      string     `json:"groupId"`
	CallerID     string     `json:"caregiverUserId"`
	ReceiverID   string     `json:"receiverId"`
	CallerName   string     `json:"giverNameSnapshot"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	DurationSec  *int       `json:"durationSec,omitempty"`
	PushSent     bool       `json:"pushSent"`
	PushPlatform string     `json:"pushPlatform,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	rec, err := s.calls.GetStatus(r.Context(), callID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, callRecordResponse{
		CallID:       rec.CallID,
		ChannelName:  rec.ChannelName,
		GroupID:      rec.GroupID,
		CallerID:     rec.CallerID,
		ReceiverID:   rec.ReceiverID,
		CallerName:   rec.CallerNameSnapshot,
		Status:       string(rec.Status),
		CreatedAt:    rec.CreatedAt,
		AnsweredAt:   rec.AnsweredAt,
		EndedAt:      rec.EndedAt,
		DurationSec:  rec.DurationSec,
		PushSent:     rec.PushSent,
		PushPlatform: rec.PushPlatform,
	})
}

// writeServiceError maps orchestrator errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validation *call.ValidationError
	var conflict *call.ConflictError
	var persistence *call.PersistenceError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Msg)
	case errors.Is(err, call.ErrNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.As(err, &conflict):
		writeConflict(w, "call is not in the required state", string(conflict.Current))
	case errors.As(err, &persistence):
		slog.Error("store operation failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		slog.Error("unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
