package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trend-portfolio-bot/internal/logging"
)

// RetentionStore is the cleanup surface, satisfied by *database.Repository
type RetentionStore interface {
	CleanupRetention(ctx context.Context, retentionDays int) (int64, error)
}

// MaintenanceConfig holds the retention schedule
type MaintenanceConfig struct {
	RetentionDays  int
	CleanupHourUTC int
	CheckInterval  time.Duration
}

// Maintenance prunes aged audit rows once a day, off trading hours.
// Positions and the capital ledger are never pruned.
type Maintenance struct {
	cfg      MaintenanceConfig
	store    RetentionStore
	isLeader func() bool
	logger   *logging.Logger

	mu        sync.Mutex
	running   bool
	lastRunOn string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMaintenance creates the maintenance loop
func NewMaintenance(cfg MaintenanceConfig, store RetentionStore, isLeader func() bool, logger *logging.Logger) *Maintenance {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Maintenance{
		cfg:      cfg,
		store:    store,
		isLeader: isLeader,
		logger:   logger.WithComponent("maintenance"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop
func (m *Maintenance) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("maintenance already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	m.logger.Info("maintenance started",
		"retention_days", m.cfg.RetentionDays, "cleanup_hour_utc", m.cfg.CleanupHourUTC)
	return nil
}

// Stop halts the loop
func (m *Maintenance) Stop() {
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

func (m *Maintenance) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if !m.isLeader() || !m.cleanupDue(time.Now()) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deleted, err := m.store.CleanupRetention(ctx, m.cfg.RetentionDays)
			cancel()
			if err != nil {
				m.logger.WithError(err).Error("retention cleanup failed")
				continue
			}
			m.logger.Info("retention cleanup complete", "deleted", deleted)
		}
	}
}

// cleanupDue reports whether the daily UTC cleanup hour has arrived
func (m *Maintenance) cleanupDue(now time.Time) bool {
	utc := now.UTC()
	if utc.Hour() != m.cfg.CleanupHourUTC {
		return false
	}
	today := utc.Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRunOn == today {
		return false
	}
	m.lastRunOn = today
	return true
}
