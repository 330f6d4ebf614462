package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ringlink/internal/auth"
	"ringlink/internal/calllog"
	"ringlink/internal/push"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth   *auth.Manager
	Push   *push.Service
	Tokens push.TokenRepository
	Logs   *calllog.Service
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and device_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.DeviceID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Push dispatch ---

// DispatchWake accepts a wake request for a callee and returns the
// per-token delivery results. Per-token failures are reported, not raised:
// the caller proceeds even when zero tokens succeed.
func (h Handlers) DispatchWake(c *gin.Context) {
	if h.Push == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push not configured"})
		return
	}
	var req push.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Push.Dispatch(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, push.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callee_id, call_id and caller_id required"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Device registration ---

type registerDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	VoIP     bool   `json:"voip"`
}

func (h Handlers) RegisterDevice(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token store not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	err = h.Tokens.Save(c.Request.Context(), push.DeviceToken{
		UserID:   userID,
		Token:    req.Token,
		Platform: push.Platform(req.Platform),
		VoIP:     req.VoIP,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (h Handlers) UnregisterDevice(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token store not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	token := c.Param("token")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	if err := h.Tokens.Delete(c.Request.Context(), userID, token); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

// --- Call log ---

// CallSummary aggregates a peer's call history within a time range.
// Query params: peer_id (required), from/to (RFC3339, default last 30 days).
func (h Handlers) CallSummary(c *gin.Context) {
	if h.Logs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	peerID := c.Query("peer_id")
	if peerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "peer_id required"})
		return
	}

	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	sum, err := h.Logs.Summary(c.Request.Context(), calllog.SummaryRequest{PeerID: peerID, From: from, To: to})
	if err != nil {
		if errors.Is(err, calllog.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}
