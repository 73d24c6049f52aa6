// Package ha provides leader election so exactly one instance trades while
// standbys stay hot. A Redis TTL lock is the fast path; the instance_metadata
// table is the fallback and the arbiter when the two disagree.
package ha

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/logging"
)

const redisLeaderKey = "ha:leader"

// Store is the persistence surface leader election needs.
// *database.Repository satisfies it.
type Store interface {
	RegisterInstance(ctx context.Context, instanceID string) error
	Heartbeat(ctx context.Context, instanceID string, lastSignal *time.Time) error
	TryAcquireDBLeadership(ctx context.Context, instanceID string, staleAfter time.Duration) (bool, error)
	ReleaseDBLeadership(ctx context.Context, instanceID string) error
	GetDBLeader(ctx context.Context) (*database.InstanceMetadata, error)
	RecordLeadershipEvent(ctx context.Context, instanceID, event, detail string) error
}

// Config is the elector's fixed option set
type Config struct {
	Enabled           bool
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
}

// Elector runs the election loop and answers IsLeader for the engine
type Elector struct {
	cfg        Config
	instanceID string
	store      Store
	redis      *redis.Client // nil: DB-only election
	bus        *events.EventBus
	logger     *logging.Logger

	leader     atomic.Bool
	acquiredAt time.Time
	mu         sync.Mutex

	lastSignal atomic.Pointer[time.Time]

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewElector creates an elector. redisClient may be nil, in which case the
// DB table is the only election mechanism.
func NewElector(cfg Config, store Store, redisClient *redis.Client, bus *events.EventBus, logger *logging.Logger) *Elector {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Elector{
		cfg:        cfg,
		instanceID: "inst_" + uuid.New().String()[:8],
		store:      store,
		redis:      redisClient,
		bus:        bus,
		logger:     logger.WithComponent("ha"),
		stopChan:   make(chan struct{}),
	}
}

// InstanceID returns this process's election identity
func (e *Elector) InstanceID() string { return e.instanceID }

// IsLeader reports whether this instance currently holds leadership.
// With HA disabled the single instance is always the leader.
func (e *Elector) IsLeader() bool {
	if !e.cfg.Enabled {
		return true
	}
	return e.leader.Load()
}

// NoteSignal records the time of the last processed signal; the next
// heartbeat persists it for the standby's takeover view.
func (e *Elector) NoteSignal(t time.Time) {
	e.lastSignal.Store(&t)
}

// Start registers the instance and begins the election loop
func (e *Elector) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.logger.Info("leader election disabled, running as sole instance")
		return nil
	}
	if err := e.store.RegisterInstance(ctx, e.instanceID); err != nil {
		return err
	}

	e.tick(ctx)

	e.wg.Add(1)
	go e.run()
	e.logger.Info("leader election started", "instance", e.instanceID,
		"ttl", e.cfg.LockTTL.String(), "heartbeat", e.cfg.HeartbeatInterval.String())
	return nil
}

// Stop relinquishes leadership and halts the loop
func (e *Elector) Stop() {
	if !e.cfg.Enabled {
		return
	}
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.release(ctx)
}

func (e *Elector) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HeartbeatInterval)
			e.tick(ctx)
			cancel()
		}
	}
}

// tick is one election round: heartbeat, try both locks, reconcile.
func (e *Elector) tick(ctx context.Context) {
	if err := e.store.Heartbeat(ctx, e.instanceID, e.lastSignal.Swap(nil)); err != nil {
		e.logger.WithError(err).Warn("heartbeat failed")
	}

	redisHeld, redisOK := e.tryRedisLock(ctx)

	// A leader whose heartbeat stops for two TTLs is treated as crashed
	dbHeld, err := e.store.TryAcquireDBLeadership(ctx, e.instanceID, 2*e.cfg.LockTTL)
	if err != nil {
		e.logger.WithError(err).Warn("db leadership check failed")
		// Redis alone is not enough to trade against an unknown DB state
		e.setLeader(ctx, false, "db unavailable")
		return
	}

	dbLeader, err := e.store.GetDBLeader(ctx)
	if err != nil && err != database.ErrNotFound {
		e.logger.WithError(err).Warn("db leader lookup failed")
	}

	e.mu.Lock()
	acquiredAt := e.acquiredAt
	e.mu.Unlock()

	lead := Decide(Claims{
		InstanceID:     e.instanceID,
		RedisAvailable: redisOK,
		RedisHeld:      redisHeld,
		DBHeld:         dbHeld,
		DBLeader:       dbLeader,
		MyAcquiredAt:   acquiredAt,
	})
	e.setLeader(ctx, lead, "")
}

// Claims is one instance's view of both lock systems
type Claims struct {
	InstanceID     string
	RedisAvailable bool
	RedisHeld      bool
	DBHeld         bool
	DBLeader       *database.InstanceMetadata
	MyAcquiredAt   time.Time
}

// Decide reconciles the Redis lock and the DB row into a single verdict.
// When the two systems disagree — the split-brain case after a partition —
// the leadership with the older acquisition time wins, because the younger
// claim was taken while the older leader was still live somewhere.
func Decide(c Claims) bool {
	if c.RedisAvailable {
		if !c.RedisHeld {
			return false
		}
		// Redis says us; check the DB did not elect someone older
		if c.DBLeader != nil && c.DBLeader.InstanceID != c.InstanceID {
			if c.DBLeader.LeaderAcquiredAt != nil && !c.MyAcquiredAt.IsZero() &&
				c.DBLeader.LeaderAcquiredAt.Before(c.MyAcquiredAt) {
				return false
			}
		}
		return true
	}
	// Redis down: DB table is the only arbiter
	return c.DBHeld
}

// tryRedisLock acquires or renews the TTL lock. Returns (held, available).
func (e *Elector) tryRedisLock(ctx context.Context) (bool, bool) {
	if e.redis == nil {
		return false, false
	}

	ok, err := e.redis.SetNX(ctx, redisLeaderKey, e.instanceID, e.cfg.LockTTL).Result()
	if err != nil {
		e.logger.WithError(err).Warn("redis lock unavailable, falling back to db election")
		return false, false
	}
	if ok {
		return true, true
	}

	holder, err := e.redis.Get(ctx, redisLeaderKey).Result()
	if err != nil {
		return false, false
	}
	if holder != e.instanceID {
		return false, true
	}
	// Renew our own lock
	if err := e.redis.Expire(ctx, redisLeaderKey, e.cfg.LockTTL).Err(); err != nil {
		return false, false
	}
	return true, true
}

func (e *Elector) setLeader(ctx context.Context, lead bool, detail string) {
	was := e.leader.Swap(lead)
	if was == lead {
		return
	}

	e.mu.Lock()
	if lead {
		e.acquiredAt = time.Now()
	} else {
		e.acquiredAt = time.Time{}
	}
	e.mu.Unlock()

	if lead {
		e.logger.Info("leadership acquired", "instance", e.instanceID)
		if err := e.store.RecordLeadershipEvent(ctx, e.instanceID, "ACQUIRED", detail); err != nil {
			e.logger.WithError(err).Warn("leadership history write failed")
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventLeaderAcquired,
				Data: map[string]interface{}{"instance_id": e.instanceID}})
		}
	} else {
		e.logger.Warn("leadership lost", "instance", e.instanceID, "detail", detail)
		if err := e.store.RecordLeadershipEvent(ctx, e.instanceID, "LOST", detail); err != nil {
			e.logger.WithError(err).Warn("leadership history write failed")
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventLeaderLost,
				Data: map[string]interface{}{"instance_id": e.instanceID, "detail": detail}})
		}
	}
}

// release gives up both locks on shutdown so failover is immediate
func (e *Elector) release(ctx context.Context) {
	if e.redis != nil {
		holder, err := e.redis.Get(ctx, redisLeaderKey).Result()
		if err == nil && holder == e.instanceID {
			if err := e.redis.Del(ctx, redisLeaderKey).Err(); err != nil {
				e.logger.WithError(err).Warn("redis lock release failed")
			}
		}
	}
	if err := e.store.ReleaseDBLeadership(ctx, e.instanceID); err != nil {
		e.logger.WithError(err).Warn("db leadership release failed")
	}
	if e.leader.Swap(false) {
		if err := e.store.RecordLeadershipEvent(ctx, e.instanceID, "RELEASED", "shutdown"); err != nil {
			e.logger.WithError(err).Warn("leadership history write failed")
		}
	}
}
