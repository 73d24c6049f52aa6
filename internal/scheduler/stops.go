package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/logging"
	"trend-portfolio-bot/internal/market"
)

// StopEngine is the engine surface the stop watcher drives
type StopEngine interface {
	MonitorStops(ctx context.Context, instrumentName string) (int, float64, error)
}

// StopWatcherConfig holds the intra-session stop tracking cadence
type StopWatcherConfig struct {
	CheckInterval time.Duration
}

// StopWatcher runs the trailing-stop loop: every tick it feeds the live
// price of each open-market instrument through the engine's ratchet and
// closes breached layers. The EOD monitor covers only the pre-close window;
// this loop covers the whole session.
type StopWatcher struct {
	cfg      StopWatcherConfig
	eng      StopEngine
	catalog  *instrument.Catalog
	calendar *market.Calendar
	isLeader func() bool
	logger   *logging.Logger

	mu        sync.Mutex
	running   bool
	lastPass  time.Time
	lastNotes map[string]string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStopWatcher creates the watcher
func NewStopWatcher(cfg StopWatcherConfig, eng StopEngine, catalog *instrument.Catalog,
	calendar *market.Calendar, isLeader func() bool, logger *logging.Logger) *StopWatcher {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StopWatcher{
		cfg:       cfg,
		eng:       eng,
		catalog:   catalog,
		calendar:  calendar,
		isLeader:  isLeader,
		logger:    logger.WithComponent("stops"),
		lastNotes: make(map[string]string),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the tracking loop
func (w *StopWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("stop watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	w.logger.Info("stop watcher started", "interval", w.cfg.CheckInterval.String())
	return nil
}

// Stop halts the loop
func (w *StopWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	close(w.stopChan)
	w.wg.Wait()
}

func (w *StopWatcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			if !w.isLeader() {
				continue
			}
			w.Scan(context.Background(), time.Now())
		}
	}
}

// Scan runs one ratchet-and-check pass over every instrument whose exchange
// is currently open
func (w *StopWatcher) Scan(ctx context.Context, now time.Time) {
	for _, inst := range w.catalog.All() {
		if !w.calendar.IsOpen(inst.Exchange, now) {
			continue
		}
		closed, pnl, err := w.eng.MonitorStops(ctx, inst.Name)

		w.mu.Lock()
		w.lastPass = now
		if err != nil {
			w.lastNotes[inst.Name] = err.Error()
		} else {
			w.lastNotes[inst.Name] = fmt.Sprintf("closed %d", closed)
		}
		w.mu.Unlock()

		if err != nil {
			w.logger.WithError(err).Warn("stop check failed", "instrument", inst.Name)
			continue
		}
		if closed > 0 {
			w.logger.Warn("stop hit", "instrument", inst.Name, "closed", closed, "pnl", pnl)
		}
	}
}

// Status reports the watcher's last pass for the API
func (w *StopWatcher) Status(now time.Time) map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	instruments := make(map[string]interface{})
	for _, inst := range w.catalog.All() {
		instruments[inst.Name] = map[string]interface{}{
			"market_open": w.calendar.IsOpen(inst.Exchange, now),
			"last_result": w.lastNotes[inst.Name],
		}
	}
	return map[string]interface{}{
		"check_interval": w.cfg.CheckInterval.String(),
		"last_pass":      w.lastPass,
		"instruments":    instruments,
	}
}
