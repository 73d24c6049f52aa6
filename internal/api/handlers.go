package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trend-portfolio-bot/internal/market"
	"trend-portfolio-bot/internal/signal"

	"github.com/gin-gonic/gin"
)

// handleWebhook is the signal intake. Malformed payloads are the caller's
// fault (400); business rejections are a processed outcome (200) so the
// sender's automation does not retry them.
func (s *Server) handleWebhook(c *gin.Context) {
	if !s.webhookLimiter.Allow("webhook") {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   true,
			"message": "rate limit exceeded",
		})
		return
	}

	var payload signal.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	sig, err := signal.Parse(&payload, s.catalog, time.Now().UTC())
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	s.noteSignal()

	ctx, cancel := contextWithDeadline(c, s.config.SignalDeadline)
	defer cancel()

	// Standbys still run the signal through the engine: it rejects without
	// trading but persists the audit row, so the trail shows what each
	// instance saw. The 503 tells the sender to retry against the leader.
	outcome := s.trading.ProcessSignal(ctx, sig)

	s.logger.Info("webhook processed",
		"instrument", sig.Instrument, "kind", sig.Kind,
		"outcome", outcome.Outcome, "reason", outcome.Reason)

	status := http.StatusOK
	if !s.isLeader() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"fingerprint": sig.Fingerprint,
		"instrument":  sig.Instrument,
		"kind":        sig.Kind,
		"instance_id": s.instanceID,
		"is_leader":   s.isLeader(),
		"result":      outcome,
	})
}

// handleStatus is the operator dashboard summary
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	state, err := s.store.GetPortfolioState(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "portfolio state unavailable: "+err.Error())
		return
	}

	open, err := s.store.GetOpenPositions(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	markets := gin.H{}
	for _, ex := range []string{market.ExchangeNFO, market.ExchangeMCX} {
		markets[ex] = gin.H{
			"open":             s.calendar.IsOpen(ex, now),
			"minutes_to_close": s.calendar.MinutesToClose(ex, now),
		}
	}

	// Ledger reconciliation: initial capital plus the signed transaction
	// sum must equal closed equity at every quiescent point
	ledger := gin.H{}
	if sum, err := s.store.LedgerSum(ctx); err == nil {
		drift := state.ClosedEquity - (state.InitialCapital + sum)
		ledger = gin.H{
			"sum":        sum,
			"drift":      drift,
			"consistent": math.Abs(drift) < 0.01,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id":    s.instanceID,
		"is_leader":      s.isLeader(),
		"trading_paused": s.trading.Paused(),
		"pause_reason":   state.PauseReason,
		"open_positions": len(open),
		"portfolio":      state,
		"ledger":         ledger,
		"markets":        markets,
		"uptime_sec":     int(time.Since(s.startedAt).Seconds()),
	})
}

// handleGetPositions returns the open book
func (s *Server) handleGetPositions(c *gin.Context) {
	positions, err := s.store.GetOpenPositions(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

// handleGetPositionHistory returns recently closed positions
func (s *Server) handleGetPositionHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	positions, err := s.store.GetClosedPositions(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

// handleGetPositionOrders returns every order attempt for one position
func (s *Server) handleGetPositionOrders(c *gin.Context) {
	positionID := c.Param("id")
	orders, err := s.store.ListOrderExecutions(c.Request.Context(), positionID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"position_id": positionID,
		"count":       len(orders),
		"orders":      orders,
	})
}

// handleGetSignals returns the signal audit trail, filterable by
// instrument and outcome
func (s *Server) handleGetSignals(c *gin.Context) {
	instrument := strings.ToUpper(c.Query("instrument"))
	outcome := strings.ToUpper(c.Query("status"))
	if outcome == "" {
		outcome = strings.ToUpper(c.Query("outcome"))
	}
	limit := intQuery(c, "limit", 100)

	audits, err := s.store.ListSignalAudits(c.Request.Context(), instrument, outcome, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(audits),
		"signals": audits,
	})
}

// handleGetTrades returns completed round trips from the strategy history
func (s *Server) handleGetTrades(c *gin.Context) {
	instrument := strings.ToUpper(c.Query("instrument"))
	limit := intQuery(c, "limit", 100)

	trades, err := s.store.ListStrategyTrades(c.Request.Context(), instrument, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(trades),
		"trades": trades,
	})
}

// handleGetConfig returns the redacted runtime configuration
func (s *Server) handleGetConfig(c *gin.Context) {
	if s.configView == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.configView)
}

// handleWebhookStats aggregates outcome counts over a window (default 24h)
func (s *Server) handleWebhookStats(c *gin.Context) {
	hours := intQuery(c, "hours", 24)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	counts, err := s.store.AuditOutcomeCounts(c.Request.Context(), since)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"since":    since,
		"total":    total,
		"outcomes": counts,
	})
}

// handleGetInstruments returns the instrument catalog
func (s *Server) handleGetInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instruments": s.catalog.All(),
	})
}

// handleGetHolidays returns the holiday map for an exchange
func (s *Server) handleGetHolidays(c *gin.Context) {
	exchange := normalizeExchange(c.Param("exchange"))
	holidays := s.calendar.Holidays(exchange)
	if len(holidays) == 0 {
		errorResponse(c, http.StatusNotFound, "unknown exchange: "+exchange)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exchange": exchange,
		"holidays": holidays,
	})
}

// handleGetInstances lists registered instances and their leadership state
func (s *Server) handleGetInstances(c *gin.Context) {
	instances, err := s.store.ListInstances(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance_id": s.instanceID,
		"instances":   instances,
	})
}

// handleRolloverStatus reports the last scan's per-position results
func (s *Server) handleRolloverStatus(c *gin.Context) {
	lastScan, reports := s.rollover.Status()
	c.JSON(http.StatusOK, gin.H{
		"last_scan": lastScan,
		"reports":   reports,
	})
}

// handleRolloverScan triggers an immediate rollover scan
func (s *Server) handleRolloverScan(c *gin.Context) {
	if !s.isLeader() {
		errorResponse(c, http.StatusServiceUnavailable, "this instance is not the leader")
		return
	}
	reports, err := s.rollover.ScanOnce(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"due":     len(reports),
		"reports": reports,
	})
}

// handleRolloverExecute rolls one position on demand
func (s *Server) handleRolloverExecute(c *gin.Context) {
	if !s.isLeader() {
		errorResponse(c, http.StatusServiceUnavailable, "this instance is not the leader")
		return
	}

	var req struct {
		PositionID string `json:"position_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "position_id required")
		return
	}

	if err := s.rollover.RollNow(c.Request.Context(), req.PositionID); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"position_id": req.PositionID,
		"status":      "rolled",
	})
}

// handleEODStatus reports the EOD monitor's window state per instrument
func (s *Server) handleEODStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eod.Status(time.Now()))
}

// handleStopsStatus reports the stop watcher's last pass per instrument
func (s *Server) handleStopsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.stops.Status(time.Now()))
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func contextWithDeadline(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
