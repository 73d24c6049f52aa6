package ha

import (
	"context"
	"sync"
	"testing"
	"time"

	"trend-portfolio-bot/internal/database"
)

type fakeStore struct {
	mu         sync.Mutex
	leaderID   string
	acquiredAt time.Time
	heartbeats map[string]time.Time
	history    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{heartbeats: make(map[string]time.Time)}
}

func (f *fakeStore) RegisterInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[instanceID] = time.Now()
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, instanceID string, lastSignal *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[instanceID] = time.Now()
	return nil
}

func (f *fakeStore) TryAcquireDBLeadership(ctx context.Context, instanceID string, staleAfter time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaderID != "" {
		if hb, ok := f.heartbeats[f.leaderID]; ok && time.Since(hb) < staleAfter {
			return f.leaderID == instanceID, nil
		}
		// Stale leader is demoted
		f.leaderID = ""
	}
	f.leaderID = instanceID
	f.acquiredAt = time.Now()
	return true, nil
}

func (f *fakeStore) ReleaseDBLeadership(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaderID == instanceID {
		f.leaderID = ""
	}
	return nil
}

func (f *fakeStore) GetDBLeader(ctx context.Context) (*database.InstanceMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaderID == "" {
		return nil, database.ErrNotFound
	}
	at := f.acquiredAt
	return &database.InstanceMetadata{
		InstanceID:       f.leaderID,
		IsLeader:         true,
		LeaderAcquiredAt: &at,
	}, nil
}

func (f *fakeStore) RecordLeadershipEvent(ctx context.Context, instanceID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, instanceID+":"+event)
	return nil
}

func newTestElector(store Store) *Elector {
	return NewElector(Config{
		Enabled:           true,
		LockTTL:           time.Second,
		HeartbeatInterval: time.Hour, // ticks are driven manually
	}, store, nil, nil, nil)
}

func TestDBElectionSingleLeader(t *testing.T) {
	store := newFakeStore()
	e1 := newTestElector(store)
	e2 := newTestElector(store)
	ctx := context.Background()

	store.RegisterInstance(ctx, e1.instanceID)
	store.RegisterInstance(ctx, e2.instanceID)

	e1.tick(ctx)
	e2.tick(ctx)

	if !e1.IsLeader() {
		t.Fatalf("first instance should win the empty election")
	}
	if e2.IsLeader() {
		t.Fatalf("second instance must stay standby while the leader is live")
	}
}

func TestFailoverAfterRelease(t *testing.T) {
	store := newFakeStore()
	e1 := newTestElector(store)
	e2 := newTestElector(store)
	ctx := context.Background()

	store.RegisterInstance(ctx, e1.instanceID)
	store.RegisterInstance(ctx, e2.instanceID)

	e1.tick(ctx)
	e2.tick(ctx)
	if !e1.IsLeader() || e2.IsLeader() {
		t.Fatalf("setup: e1 should lead")
	}

	e1.release(ctx)
	e2.tick(ctx)

	if !e2.IsLeader() {
		t.Fatalf("standby should take over after the leader releases")
	}
}

func TestStaleLeaderDemoted(t *testing.T) {
	store := newFakeStore()
	e2 := newTestElector(store)
	ctx := context.Background()

	// A leader that stopped heartbeating two TTLs ago
	store.mu.Lock()
	store.leaderID = "inst_dead"
	store.acquiredAt = time.Now().Add(-time.Minute)
	store.heartbeats["inst_dead"] = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	store.RegisterInstance(ctx, e2.instanceID)
	e2.tick(ctx)

	if !e2.IsLeader() {
		t.Fatalf("live standby should claim leadership from a crashed leader")
	}
}

func TestDisabledAlwaysLeader(t *testing.T) {
	e := NewElector(Config{Enabled: false}, newFakeStore(), nil, nil, nil)
	if !e.IsLeader() {
		t.Fatalf("single-instance mode is always the leader")
	}
}

func TestDecideSplitBrain(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Minute)

	cases := []struct {
		name string
		c    Claims
		want bool
	}{
		{
			name: "redis held, db agrees",
			c: Claims{InstanceID: "a", RedisAvailable: true, RedisHeld: true,
				DBLeader: &database.InstanceMetadata{InstanceID: "a"}, MyAcquiredAt: now},
			want: true,
		},
		{
			name: "redis held but db elected an older leader",
			c: Claims{InstanceID: "a", RedisAvailable: true, RedisHeld: true,
				DBLeader:     &database.InstanceMetadata{InstanceID: "b", LeaderAcquiredAt: &older},
				MyAcquiredAt: now},
			want: false,
		},
		{
			name: "redis held, db leader is younger",
			c: Claims{InstanceID: "a", RedisAvailable: true, RedisHeld: true,
				DBLeader:     &database.InstanceMetadata{InstanceID: "b", LeaderAcquiredAt: &now},
				MyAcquiredAt: older},
			want: true,
		},
		{
			name: "redis not held",
			c:    Claims{InstanceID: "a", RedisAvailable: true, RedisHeld: false, DBHeld: true},
			want: false,
		},
		{
			name: "redis down, db held",
			c:    Claims{InstanceID: "a", RedisAvailable: false, DBHeld: true},
			want: true,
		},
		{
			name: "redis down, db standby",
			c:    Claims{InstanceID: "a", RedisAvailable: false, DBHeld: false},
			want: false,
		},
	}

	for _, tc := range cases {
		if got := Decide(tc.c); got != tc.want {
			t.Errorf("%s: Decide = %v, want %v", tc.name, got, tc.want)
		}
	}
}
