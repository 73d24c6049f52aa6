// Package scheduler runs the background loops around the trading engine:
// the daily rollover scan, the end-of-day stop monitor, and retention
// maintenance. Every loop defers to leader election before acting.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/logging"
	"trend-portfolio-bot/internal/market"
)

// RolloverEngine is the engine surface the scanner drives
type RolloverEngine interface {
	MarkRolloverPending(ctx context.Context, pos *database.Position) error
	RollPosition(ctx context.Context, positionID string) error
}

// PositionLister provides the open book
type PositionLister interface {
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
}

// RolloverConfig holds the scanner's schedule and retry policy
type RolloverConfig struct {
	Enabled       bool
	ScanHour      int // IST hour of the daily scan
	ScanMinute    int
	CheckInterval time.Duration
	MaxRetries    int
	RetryInterval time.Duration

	// LookaheadDays overrides the catalog lookahead per instrument
	LookaheadDays map[string]int
}

// RollReport is one position's outcome from the last scan, for /rollover/status
type RollReport struct {
	PositionID string    `json:"position_id"`
	Instrument string    `json:"instrument"`
	Expiry     string    `json:"expiry"`
	Status     string    `json:"status"` // pending, rolled, failed, deferred
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// RolloverScanner finds positions inside their rollover window and rolls
// them during market hours.
type RolloverScanner struct {
	cfg      RolloverConfig
	engine   RolloverEngine
	list     PositionLister
	catalog  *instrument.Catalog
	calendar *market.Calendar
	isLeader func() bool
	logger   *logging.Logger

	mu        sync.Mutex
	running   bool
	lastScan  time.Time
	lastRunOn string // IST date of the last daily run
	reports   []RollReport

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRolloverScanner creates the scanner
func NewRolloverScanner(cfg RolloverConfig, eng RolloverEngine, list PositionLister,
	catalog *instrument.Catalog, calendar *market.Calendar, isLeader func() bool, logger *logging.Logger) *RolloverScanner {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RolloverScanner{
		cfg:      cfg,
		engine:   eng,
		list:     list,
		catalog:  catalog,
		calendar: calendar,
		isLeader: isLeader,
		logger:   logger.WithComponent("rollover"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the daily scan loop
func (s *RolloverScanner) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rollover scanner already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.logger.Info("rollover scanner started",
		"scan_at", fmt.Sprintf("%02d:%02d IST", s.cfg.ScanHour, s.cfg.ScanMinute))
	return nil
}

// Stop halts the loop
func (s *RolloverScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopChan)
	s.wg.Wait()
}

func (s *RolloverScanner) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if !s.cfg.Enabled || !s.isLeader() {
				continue
			}
			now := time.Now()
			if !s.dailyScanDue(now) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if _, err := s.ScanOnce(ctx); err != nil {
				s.logger.WithError(err).Error("rollover scan failed")
			}
			cancel()
		}
	}
}

// dailyScanDue reports whether today's scan time has passed without a run
func (s *RolloverScanner) dailyScanDue(now time.Time) bool {
	ist := now.In(istLocation())
	today := ist.Format("2006-01-02")
	scanAt := time.Date(ist.Year(), ist.Month(), ist.Day(), s.cfg.ScanHour, s.cfg.ScanMinute, 0, 0, ist.Location())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRunOn == today || ist.Before(scanAt) {
		return false
	}
	s.lastRunOn = today
	return true
}

// ScanOnce walks the open book, flags due positions and rolls the ones
// whose exchange is open. Safe to call from the API on demand.
func (s *RolloverScanner) ScanOnce(ctx context.Context) ([]RollReport, error) {
	return s.scanAt(ctx, time.Now())
}

func (s *RolloverScanner) scanAt(ctx context.Context, now time.Time) ([]RollReport, error) {
	open, err := s.list.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	var reports []RollReport
	for _, pos := range open {
		inst, err := s.catalog.Get(pos.Instrument)
		if err != nil || pos.ContractExpiry == nil {
			continue
		}
		if pos.RolloverStatus == database.RolloverInProgress || pos.RolloverStatus == database.RolloverRolled {
			continue
		}
		if !instrument.RolloverDue(*pos.ContractExpiry, now, s.lookahead(inst)) {
			continue
		}

		rep := RollReport{
			PositionID: pos.PositionID,
			Instrument: pos.Instrument,
			Expiry:     pos.ContractExpiry.Format("2006-01-02"),
			At:         now,
		}

		if err := s.engine.MarkRolloverPending(ctx, pos); err != nil {
			rep.Status = "failed"
			rep.Error = err.Error()
			reports = append(reports, rep)
			continue
		}

		if !s.calendar.IsOpen(inst.Exchange, now) {
			rep.Status = "deferred"
			rep.Error = inst.Exchange + " closed"
			reports = append(reports, rep)
			continue
		}

		if err := s.rollWithRetry(ctx, pos.PositionID); err != nil {
			rep.Status = "failed"
			rep.Error = err.Error()
		} else {
			rep.Status = "rolled"
		}
		reports = append(reports, rep)
	}

	s.mu.Lock()
	s.lastScan = now
	s.reports = reports
	s.mu.Unlock()

	s.logger.Info("rollover scan complete", "due", len(reports))
	return reports, nil
}

// RollNow rolls one position immediately, bypassing the schedule
func (s *RolloverScanner) RollNow(ctx context.Context, positionID string) error {
	return s.rollWithRetry(ctx, positionID)
}

func (s *RolloverScanner) rollWithRetry(ctx context.Context, positionID string) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err = s.engine.RollPosition(ctx, positionID); err == nil {
			return nil
		}
		s.logger.WithError(err).WithPosition(positionID).Warn("rollover attempt failed",
			"attempt", attempt, "max", s.cfg.MaxRetries)
		if attempt < s.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryInterval):
			}
		}
	}
	return fmt.Errorf("rollover failed after %d attempts: %w", s.cfg.MaxRetries, err)
}

// Status returns the last scan summary for the API
func (s *RolloverScanner) Status() (time.Time, []RollReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RollReport, len(s.reports))
	copy(out, s.reports)
	return s.lastScan, out
}

// lookahead resolves the per-instrument window, config over catalog
func (s *RolloverScanner) lookahead(inst *instrument.Instrument) int {
	if d, ok := s.cfg.LookaheadDays[inst.Name]; ok && d > 0 {
		return d
	}
	return inst.RolloverLookaheadDays
}

func istLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.UTC
	}
	return loc
}
