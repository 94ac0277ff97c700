// Package leader provides Redis-backed leader election for running
// multiple build monitor instances highly available: only the elected
// leader's Supervisor actually polls and dispatches builds, so refs are
// never double-built by two instances watching the same source.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/refwatch/buildmonitor/internal/metrics"
)

const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

// Elector runs the acquire/renew/step-down cycle against a Redis lock
// key. Exactly one Elector across a fleet sharing the same lockKey is
// leader at a time, modulo the lock's TTL window during failover.
type Elector struct {
	client  *redis.Client
	lockKey string
	ownerID string
	ttl     time.Duration

	onAcquired func(ctx context.Context)
	onLost     func()

	m   *metrics.Metrics
	log zerolog.Logger

	mu       sync.RWMutex
	isLeader bool
	epoch    int64

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	cancel context.CancelFunc
}

// NewElector constructs an Elector. ownerID should be unique per process
// (hostname+pid is typical); ttl governs both the lease lifetime and the
// renewal cadence (renewal fires at ttl/3).
func NewElector(client *redis.Client, lockKey, ownerID string, ttl time.Duration, m *metrics.Metrics, log zerolog.Logger) *Elector {
	return &Elector{
		client:  client,
		lockKey: lockKey,
		ownerID: ownerID,
		ttl:     ttl,
		m:       m,
		log:     log,
	}
}

// OnAcquired registers the callback invoked when this instance becomes
// leader. The supplied context is cancelled the moment leadership is
// lost, so long-running work started from onAcquired can select on it.
func (e *Elector) OnAcquired(fn func(ctx context.Context)) { e.onAcquired = fn }

// OnLost registers the callback invoked when leadership is stepped down
// or lost, including during Stop.
func (e *Elector) OnLost(fn func()) { e.onLost = fn }

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Epoch returns the current fencing epoch: a monotonically increasing
// counter bumped every time this instance acquires leadership anew.
func (e *Elector) Epoch() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

// Start begins the election loop in the background. ctx bounds the
// Elector's entire lifetime; cancelling it is equivalent to calling Stop.
func (e *Elector) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(loopCtx)
}

// Stop ends the election loop and releases the lock if held.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Elector) loop(ctx context.Context) {
	interval := e.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release(context.Background())
			}
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.tryRenew(ctx)
			} else {
				e.tryAcquire(ctx)
			}
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context) {
	ok, err := e.client.SetNX(ctx, e.lockKey, e.ownerID, e.ttl).Result()
	if err != nil {
		e.log.Warn().Err(err).Msg("leader: acquire attempt failed")
		return
	}
	if !ok {
		return
	}

	e.mu.Lock()
	e.isLeader = true
	e.epoch++
	e.leaderCtx, e.leaderCancel = context.WithCancel(ctx)
	leaderCtx := e.leaderCtx
	e.mu.Unlock()

	if e.m != nil {
		e.m.LeaderTransitions.WithLabelValues(metrics.LeaderEventAcquired).Inc()
		e.m.LeaderStatus.Set(1)
	}
	e.log.Info().Int64("epoch", e.Epoch()).Msg("leader: acquired")

	if e.onAcquired != nil {
		go e.onAcquired(leaderCtx)
	}
}

func (e *Elector) tryRenew(ctx context.Context) {
	res, err := e.client.Eval(ctx, renewScript, []string{e.lockKey}, e.ownerID, int64(e.ttl/time.Millisecond)).Result()
	if err != nil {
		e.log.Warn().Err(err).Msg("leader: renew failed, stepping down")
		e.release(ctx)
		return
	}

	code, _ := res.(int64)
	if code != 1 {
		e.log.Warn().Int64("code", code).Msg("leader: lost the lock to another owner")
		e.release(ctx)
		return
	}

	if e.m != nil {
		e.m.LeaderTransitions.WithLabelValues(metrics.LeaderEventRenewed).Inc()
	}
}

func (e *Elector) release(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	if e.leaderCancel != nil {
		e.leaderCancel()
	}
	e.mu.Unlock()

	if !wasLeader {
		return
	}

	// Best-effort: only delete the key if we still hold it, so we never
	// evict a newer owner that has since taken over after our TTL lapsed.
	_, _ = e.client.Eval(ctx, `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`, []string{e.lockKey}, e.ownerID).Result()

	if e.m != nil {
		e.m.LeaderTransitions.WithLabelValues(metrics.LeaderEventLost).Inc()
		e.m.LeaderStatus.Set(0)
	}
	e.log.Info().Msg("leader: stepped down")

	if e.onLost != nil {
		e.onLost()
	}
}
