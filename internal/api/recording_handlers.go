package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/carevoice/carevoice/internal/mediatoken"
	"github.com/carevoice/carevoice/internal/recording"
)

// recorderBotTokenTTL is the lifetime of the media token minted for the
// recorder bot when the caller does not supply one.
const recorderBotTokenTTL = 24 * time.Hour

// recordingStartRequest is the body for POST /api/v1/recording/start.
type recordingStartRequest struct {
	Channel    string `json:"channel"`
	CName      string `json:"cname"`
	Token      string `json:"token"`
	UID        string `json:"uid"`
	GroupID    string `json:"group_id"`
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recording service not configured")
		return
	}

	var req recordingStartRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = req.CName
	}
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}

	// Mint a subscriber token for the recorder bot when the caller did not
	// bring one. The bot only listens.
	token := req.Token
	if token == "" && s.tokens != nil {
		uid := req.UID
		if uid == "" {
			uid = "recorder"
		}
		var err error
		token, _, err = s.tokens.Issue(channel, uid, mediatoken.RoleSubscriber, recorderBotTokenTTL)
		if err != nil {
			slog.Warn("failed to mint recorder bot token", "channel", channel, "error", err)
		}
	}

	payload, err := json.Marshal(map[string]string{
		"channel":    channel,
		"token":      token,
		"uid":        req.UID,
		"groupId":    req.GroupID,
		"callerId":   req.CallerID,
		"receiverId": req.ReceiverID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.proxyRecorder(w, s.recorderPost(r, "/start", payload))
}

// recordingStopRequest is the body for POST /api/v1/recording/stop.
type recordingStopRequest struct {
	SID     string `json:"sid"`
	Channel string `json:"channel"`
	CName   string `json:"cname"`
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recording service not configured")
		return
	}

	var req recordingStopRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = req.CName
	}
	if req.SID == "" && channel == "" {
		writeError(w, http.StatusBadRequest, "sid or channel is required")
		return
	}

	body := map[string]string{}
	if req.SID != "" {
		body["sid"] = req.SID
	}
	if channel != "" {
		body["channel"] = channel
	}
	payload, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.proxyRecorder(w, s.recorderPost(r, "/stop", payload))
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recording service not configured")
		return
	}
	resp, err := s.recorder.Get(r.Context(), "/sessions", nil)
	s.proxyRecorder(w, proxyResult{resp, err})
}

func (s *Server) handleRecordingList(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recording service not configured")
		return
	}
	resp, err := s.recorder.Get(r.Context(), "/recordings", nil)
	s.proxyRecorder(w, proxyResult{resp, err})
}

type proxyResult struct {
	resp *recording.Response
	err  error
}

func (s *Server) recorderPost(r *http.Request, path string, payload json.RawMessage) proxyResult {
	resp, err := s.recorder.Post(r.Context(), path, payload)
	return proxyResult{resp, err}
}

// proxyRecorder relays the recorder's status and body, mapping transport
// failures to 503/504.
func (s *Server) proxyRecorder(w http.ResponseWriter, result proxyResult) {
	if result.err != nil {
		if errors.Is(result.err, recording.ErrTimeout) {
			writeError(w, http.StatusGatewayTimeout, "recorder service timeout")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "recorder service unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.resp.Status)
	if _, err := w.Write(result.resp.Body); err != nil {
		slog.Error("failed to write recorder response", "error", err)
	}
}
