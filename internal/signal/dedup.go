package signal

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDedupPrefix = "signal:fp:"

// Deduper layers three duplicate checks: an in-process LRU, a best-effort
// Redis set shared across instances, and (via the caller) the signal_log
// primary key, which is the authority. Redis being down never blocks a
// signal; the DB constraint still catches what the caches miss.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element

	recent         map[string]time.Time
	coalesceWindow time.Duration

	redis     *redis.Client
	retention time.Duration
}

// NewDeduper creates a deduper. redisClient may be nil (single-instance mode).
func NewDeduper(capacity int, coalesceWindow, retention time.Duration, redisClient *redis.Client) *Deduper {
	if capacity < 1024 {
		capacity = 1024
	}
	return &Deduper{
		capacity:       capacity,
		order:          list.New(),
		entries:        make(map[string]*list.Element),
		recent:         make(map[string]time.Time),
		coalesceWindow: coalesceWindow,
		redis:          redisClient,
		retention:      retention,
	}
}

// Seen reports whether the fingerprint was already accepted. It records the
// fingerprint as seen on a miss, so the first caller wins.
func (d *Deduper) Seen(ctx context.Context, fingerprint string) bool {
	d.mu.Lock()
	if el, ok := d.entries[fingerprint]; ok {
		d.order.MoveToFront(el)
		d.mu.Unlock()
		return true
	}
	el := d.order.PushFront(fingerprint)
	d.entries[fingerprint] = el
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(string))
	}
	d.mu.Unlock()

	if d.redis != nil {
		key := redisDedupPrefix + fingerprint
		set, err := d.redis.SetNX(ctx, key, 1, d.retention).Result()
		if err != nil {
			log.Printf("[DEDUP] Redis check failed, falling through to DB: %v", err)
			return false
		}
		if !set {
			return true
		}
	}
	return false
}

// Coalesce reports whether an identical-in-substance signal arrived within
// the coalescing window. Fingerprints that differ only by microsecond
// timestamps collapse onto the same key here.
func (d *Deduper) Coalesce(s *Signal) bool {
	if d.coalesceWindow <= 0 {
		return false
	}
	key := fmt.Sprintf("%s|%s|%s|%.2f", s.Instrument, s.Kind, s.Layer, s.Price)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.recent[key]; ok && s.ReceivedAt.Sub(last) < d.coalesceWindow {
		return true
	}
	d.recent[key] = s.ReceivedAt

	// Opportunistic sweep so the map does not grow unbounded
	if len(d.recent) > 4096 {
		cutoff := s.ReceivedAt.Add(-d.coalesceWindow)
		for k, t := range d.recent {
			if t.Before(cutoff) {
				delete(d.recent, k)
			}
		}
	}
	return false
}

// Len returns the LRU occupancy, for stats endpoints
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
