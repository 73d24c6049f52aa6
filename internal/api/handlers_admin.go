package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"trend-portfolio-bot/internal/database"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// apiKeyMiddleware guards the emergency endpoints with the shared key from
// X-API-Key. A bcrypt hash is preferred when configured; the plain key is
// compared in constant time.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.APIKey == "" && s.config.APIKeyHash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   true,
				"message": "emergency endpoints disabled: no API key configured",
			})
			c.Abort()
			return
		}

		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   true,
				"message": "X-API-Key header required",
			})
			c.Abort()
			return
		}

		if !s.verifyAPIKey(key) {
			s.logger.Warn("emergency endpoint rejected", "path", c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   true,
				"message": "invalid API key",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) verifyAPIKey(key string) bool {
	if s.config.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.config.APIKey), []byte(key)) == 1
}

// handleEmergencyStop pauses all signal processing until resumed
func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	if err := s.trading.Pause(c.Request.Context(), req.Reason); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn("trading paused via emergency endpoint", "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{
		"trading_paused": true,
		"reason":         req.Reason,
	})
}

// handleEmergencyResume lifts the pause
func (s *Server) handleEmergencyResume(c *gin.Context) {
	if err := s.trading.Resume(c.Request.Context()); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn("trading resumed via emergency endpoint")
	c.JSON(http.StatusOK, gin.H{
		"trading_paused": false,
	})
}

// handleEmergencyCloseAll exits every open position at market. With
// dry_run=true it only counts what would close.
func (s *Server) handleEmergencyCloseAll(c *gin.Context) {
	if !s.isLeader() {
		errorResponse(c, http.StatusServiceUnavailable, "this instance is not the leader")
		return
	}

	var req struct {
		DryRun  bool   `json:"dry_run"`
		Confirm string `json:"confirm"`
	}
	_ = c.ShouldBindJSON(&req)

	if !req.DryRun && req.Confirm != "CLOSE_ALL" {
		errorResponse(c, http.StatusBadRequest, `confirm must be "CLOSE_ALL" for a live close`)
		return
	}

	closed, pnl, err := s.trading.CloseAll(c.Request.Context(), req.DryRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        true,
			"message":      err.Error(),
			"closed_count": closed,
		})
		return
	}

	if !req.DryRun {
		s.logger.Warn("emergency close-all executed", "closed", closed, "realized_pnl", pnl)
	}
	c.JSON(http.StatusOK, gin.H{
		"dry_run":      req.DryRun,
		"closed_count": closed,
		"realized_pnl": pnl,
	})
}

// handleCapitalFlow records a deposit or withdrawal in the capital ledger
func (s *Server) handleCapitalFlow(c *gin.Context) {
	var req struct {
		Type   string  `json:"type" binding:"required"`
		Amount float64 `json:"amount" binding:"required"`
		Note   string  `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "type and amount required")
		return
	}

	txType := strings.ToUpper(req.Type)
	if txType != database.TxDeposit && txType != database.TxWithdraw {
		errorResponse(c, http.StatusBadRequest, "type must be DEPOSIT or WITHDRAW")
		return
	}
	if req.Amount <= 0 {
		errorResponse(c, http.StatusBadRequest, "amount must be positive")
		return
	}

	// The repository signs WITHDRAW amounts
	state, err := s.store.RecordCapitalFlow(c.Request.Context(), txType, req.Amount, req.Note)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("capital flow recorded", "type", txType, "amount", req.Amount)
	c.JSON(http.StatusOK, gin.H{
		"type":      txType,
		"amount":    req.Amount,
		"portfolio": state,
	})
}
