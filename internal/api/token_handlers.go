package api

import (
	"net/http"

	"github.com/carevoice/carevoice/internal/mediatoken"
)

// tokenRequest is the body for POST /api/v1/token. "cname" and "account"
// are accepted as aliases kept for older client builds.
type tokenRequest struct {
	Channel string `json:"channel"`
	CName   string `json:"cname"`
	UserID  string `json:"uid"`
	Account string `json:"account"`
	Role    string `json:"role"`
	Expire  int    `json:"expire"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	ExpireAt int64  `json:"expire_at"`
	ExpireIn int    `json:"expire_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token service not configured")
		return
	}

	var req tokenRequest
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

	userID := req.UserID
	if userID == "" {
		userID = req.Account
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	role, err := mediatoken.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	ttl := mediatoken.ClampTTL(req.Expire)

	token, expiresAt, err := s.tokens.Issue(channel, userID, role, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:    token,
		ExpireAt: expiresAt.Unix(),
		ExpireIn: int(ttl.Seconds()),
	})
}
