package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// handleProviders serves GET /providers: the health snapshot of the pool.
func (s *Server) handleProviders(c *gin.Context) {
	snapshot := s.pool.Snapshot()
	healthy := 0
	for _, p := range snapshot {
		if p.Healthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"providers":         snapshot,
		"healthy_providers": healthy,
		"models":            s.router.Models(),
		"active_sessions":   s.broadcaster.Active(),
	})
}

// handleProvidersReset serves POST /providers/reset: clears all health state
// so every provider re-enters rotation immediately.
func (s *Server) handleProvidersReset(c *gin.Context) {
	s.pool.ResetAll()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type oauthTokenRequest struct {
	Email       string    `json:"email" binding:"required"`
	AccessToken string    `json:"access_token" binding:"required"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// handleSetOAuthToken serves PUT /oauth/tokens: stores or replaces the access
// token for an account.
func (s *Server) handleSetOAuthToken(c *gin.Context) {
	var req oauthTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"type":  "error",
			"error": gin.H{"type": "invalid_request_error", "message": err.Error()},
		})
		return
	}

	s.tokens.SetToken(req.Email, req.AccessToken, req.ExpiresAt)
	logrus.Infof("Stored OAuth token for account %s", req.Email)
	c.JSON(http.StatusOK, gin.H{"status": "stored", "accounts": s.tokens.Accounts()})
}

// handleUsageSummary serves GET /usage/summary with optional RFC 3339 start
// and end query bounds.
func (s *Server) handleUsageSummary(c *gin.Context) {
	if s.usage == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"type":  "error",
			"error": gin.H{"type": "invalid_request_error", "message": "usage recording is disabled"},
		})
		return
	}

	var start, end time.Time
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"type":  "error",
				"error": gin.H{"type": "invalid_request_error", "message": "start must be RFC 3339"},
			})
			return
		}
		start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"type":  "error",
				"error": gin.H{"type": "invalid_request_error", "message": "end must be RFC 3339"},
			})
			return
		}
		end = t
	}

	rows, err := s.usage.Summary(start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"type":  "error",
			"error": gin.H{"type": "api_error", "message": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}
