package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ShareTunnel/internal/api/middleware"
	apperrors "github.com/router-for-me/ShareTunnel/internal/errors"
	"github.com/router-for-me/ShareTunnel/internal/share"
)

const (
	defaultLogCount = 100
	maxLogCount     = 1000
)

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ready":              s.backend.Ready(),
		"server":             s.backend.ServerStatus(),
		"tunnel":             s.backend.Tunnel(),
		"active_connections": middleware.GetActiveConnections(),
	})
}

func (s *Server) handleTunnel(c *gin.Context) {
	snap := s.backend.Tunnel()
	var url any
	if snap.URL != "" {
		url = snap.URL
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "status": snap.Status})
}

func (s *Server) handleCreateShare(c *gin.Context) {
	var req share.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid request body", err))
		return
	}
	res, err := s.backend.CreateShare(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleLogs(c *gin.Context) {
	n := defaultLogCount
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "n must be a non-negative integer", err))
			return
		}
		n = parsed
	}
	if n > maxLogCount {
		n = maxLogCount
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.logs.Recent(n)})
}

// writeError renders err as AppError JSON with its HTTP status.
func writeError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	if appErr.HTTPStatusCode >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.Data(appErr.HTTPStatusCode, "application/json; charset=utf-8", appErr.ToJSON())
	c.Abort()
}
