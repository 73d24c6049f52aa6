package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trend-portfolio-bot/internal/engine"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/logging"
	"trend-portfolio-bot/internal/market"
	"trend-portfolio-bot/internal/signal"
)

// SignalProcessor is the engine surface the EOD monitor drives
type SignalProcessor interface {
	ProcessSignal(ctx context.Context, s *signal.Signal) *engine.Outcome
}

// EODConfig holds the end-of-day monitoring schedule
type EODConfig struct {
	Enabled       bool
	WindowMinutes int // Monitoring starts this many minutes before close
	CheckInterval time.Duration
}

// EODMonitor raises internal EOD_MONITOR signals for stop evaluation during
// the last stretch of the session.
type EODMonitor struct {
	cfg      EODConfig
	proc     SignalProcessor
	catalog  *instrument.Catalog
	calendar *market.Calendar
	bus      *events.EventBus
	isLeader func() bool
	logger   *logging.Logger

	mu           sync.Mutex
	running      bool
	inWindow     map[string]string // instrument -> session date the window fired on
	lastScan     time.Time
	lastOutcomes map[string]string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEODMonitor creates the monitor
func NewEODMonitor(cfg EODConfig, proc SignalProcessor, catalog *instrument.Catalog,
	calendar *market.Calendar, bus *events.EventBus, isLeader func() bool, logger *logging.Logger) *EODMonitor {
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = 30
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EODMonitor{
		cfg:          cfg,
		proc:         proc,
		catalog:      catalog,
		calendar:     calendar,
		bus:          bus,
		isLeader:     isLeader,
		logger:       logger.WithComponent("eod"),
		inWindow:     make(map[string]string),
		lastOutcomes: make(map[string]string),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the monitoring loop
func (m *EODMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("eod monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	m.logger.Info("eod monitor started", "window_minutes", m.cfg.WindowMinutes)
	return nil
}

// Stop halts the loop
func (m *EODMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()
	close(m.stopChan)
	m.wg.Wait()
}

func (m *EODMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if !m.cfg.Enabled || !m.isLeader() {
				continue
			}
			m.Scan(context.Background(), time.Now())
		}
	}
}

// Scan runs one EOD pass for every monitored instrument inside its window
func (m *EODMonitor) Scan(ctx context.Context, now time.Time) {
	for _, inst := range m.catalog.All() {
		if !inst.EODEnabled {
			continue
		}
		if !InEODWindow(m.calendar, inst.Exchange, now, m.cfg.WindowMinutes) {
			continue
		}
		m.enterWindow(inst, now)

		s := internalEODSignal(inst.Name, now)
		out := m.proc.ProcessSignal(ctx, s)

		m.mu.Lock()
		m.lastScan = now
		m.lastOutcomes[inst.Name] = fmt.Sprintf("%s: %s", out.Outcome, out.Reason)
		m.mu.Unlock()

		if out.ClosedCount > 0 {
			m.logger.Warn("eod scan closed positions",
				"instrument", inst.Name, "closed", out.ClosedCount, "pnl", out.RealizedPnL)
		}
	}
}

// enterWindow publishes EOD_WINDOW_ENTERED once per instrument per session
func (m *EODMonitor) enterWindow(inst *instrument.Instrument, now time.Time) {
	day := now.In(istLocation()).Format("2006-01-02")
	m.mu.Lock()
	fired := m.inWindow[inst.Name] == day
	m.inWindow[inst.Name] = day
	m.mu.Unlock()
	if fired {
		return
	}

	m.logger.Info("eod window entered", "instrument", inst.Name)
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.EventEODWindowEntered, Data: map[string]interface{}{
			"instrument": inst.Name,
			"close":      m.calendar.Close(inst.Exchange, now).Format(time.RFC3339),
		}})
	}
}

// Status reports the monitor's last pass for the API
func (m *EODMonitor) Status(now time.Time) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	instruments := make(map[string]interface{})
	for _, inst := range m.catalog.All() {
		if !inst.EODEnabled {
			continue
		}
		instruments[inst.Name] = map[string]interface{}{
			"in_window":        InEODWindow(m.calendar, inst.Exchange, now, m.cfg.WindowMinutes),
			"minutes_to_close": m.calendar.MinutesToClose(inst.Exchange, now),
			"last_outcome":     m.lastOutcomes[inst.Name],
		}
	}
	return map[string]interface{}{
		"enabled":        m.cfg.Enabled,
		"window_minutes": m.cfg.WindowMinutes,
		"last_scan":      m.lastScan,
		"instruments":    instruments,
	}
}

// InEODWindow reports whether t falls inside the pre-close monitoring window
func InEODWindow(cal *market.Calendar, exchange string, t time.Time, windowMinutes int) bool {
	if !cal.IsOpen(exchange, t) {
		return false
	}
	mins := cal.MinutesToClose(exchange, t)
	return mins >= 0 && mins <= float64(windowMinutes)
}

// internalEODSignal builds the synthetic signal routed through the engine so
// the scan leaves the same audit trail as an external signal.
func internalEODSignal(instrumentName string, now time.Time) *signal.Signal {
	s := &signal.Signal{
		Kind:       signal.KindEODMonitor,
		Instrument: instrumentName,
		Price:      1, // unused by the scan; kept positive for audit consistency
		Reason:     "EOD_SCAN",
		Timestamp:  now.UTC(),
		ReceivedAt: now.UTC(),
		Internal:   true,
	}
	s.Fingerprint = signal.ComputeFingerprint(s.Instrument, s.Kind, "", s.Timestamp, s.Price)
	return s
}
