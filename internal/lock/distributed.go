// Package lock provides Redis-backed distributed locking so two controller
// replicas racing the same deployment do not both drive it at once. The
// orchestrator is the only caller: Orchestrator.acquireDistributed takes a
// lock keyed on a deployment id before executing it and releases it when the
// deployment finishes (see internal/deployment/orchestrator.go). A single
// replica's own in-process map already prevents double-execution within that
// process; this package guards the case where two replicas behind the same
// load balancer both pick up the same deployment id.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeploymentLockKey returns the Redis key a LockManager should use to guard
// concurrent execution of deployment id across controller replicas.
func DeploymentLockKey(deploymentID string) string {
	return "fleetctl:deployment:" + deploymentID
}

// DistributedLock is a single Redis-backed mutual-exclusion lock, held under
// a unique value so only the holder that set it can release or extend it.
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// LockConfig configures a DistributedLock's acquisition and retry behavior.
// A deployment that outlives TTL without being extended or released loses
// its lock to another replica, which is the intended failure mode if a
// controller process dies mid-deployment.
type LockConfig struct {
	// TTL is how long the lock holds before Redis expires it automatically.
	TTL time.Duration `env:"LOCK_TTL" default:"30s"`

	// MaxRetries and RetryInterval are not read by DistributedLock:
	// AcquireWithRetry takes its retry count as an argument, and its backoff
	// grows from a fixed 100ms base.
	MaxRetries    int           `env:"LOCK_MAX_RETRIES" default:"3"`
	RetryInterval time.Duration `env:"LOCK_RETRY_INTERVAL" default:"100ms"`

	// AcquireTimeout and ReleaseTimeout are not read either: each acquire
	// attempt is bounded by TTL, and Release and Extend by a fixed 2s.
	AcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT" default:"5s"`
	ReleaseTimeout time.Duration `env:"LOCK_RELEASE_TIMEOUT" default:"2s"`

	// ValuePrefix tags the generated lock value, e.g. "deployment" so a
	// Redis operator reading keys/values during an incident can tell which
	// subsystem owns a given lock.
	ValuePrefix string `env:"LOCK_VALUE_PREFIX" default:"lock"`
}

func defaultLockConfig() *LockConfig {
	return &LockConfig{
		TTL:            30 * time.Second,
		MaxRetries:     3,
		RetryInterval:  100 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "lock",
	}
}

// NewDistributedLock builds a lock for key. It does not contact Redis; call
// Acquire or AcquireWithRetry to actually take the lock.
func NewDistributedLock(redis *redis.Client, key string, config *LockConfig, logger *slog.Logger) *DistributedLock {
	if config == nil {
		config = defaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DistributedLock{
		redis:  redis,
		key:    key,
		value:  generateLockValue(config.ValuePrefix),
		ttl:    config.TTL,
		logger: logger,
	}
}

// generateLockValue produces a value unique to this lock instance, so
// Release and Extend can tell "I still hold this" from "someone else's lock
// now occupies this key" (the TTL expired and a different replica won it).
func generateLockValue(prefix string) string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), time.Now().Unix())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
}

// Acquire makes a single attempt to take the lock.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	return l.AcquireWithRetry(ctx, 0)
}

// AcquireWithRetry attempts to take the lock, retrying with backoff up to
// maxRetries times when it is already held by another replica.
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	l.logger.Debug("lock: attempting acquire", "key", l.key, "value", l.value, "ttl", l.ttl)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)
		defer cancel()

		// SET NX is the atomic primitive: only one client's SET succeeds
		// when the key is absent, and the TTL bounds how long a crashed
		// holder can block everyone else.
		result, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		if err != nil {
			l.logger.Error("lock: acquire failed", "key", l.key, "attempt", attempt+1, "error", err)
			if attempt == maxRetries {
				return false, fmt.Errorf("failed to acquire lock after %d attempts: %w", maxRetries+1, err)
			}
			time.Sleep(l.retryInterval(attempt))
			continue
		}

		if result {
			l.acquired = true
			l.logger.Info("lock: acquired", "key", l.key, "value", l.value, "ttl", l.ttl)
			return true, nil
		}

		l.logger.Debug("lock: already held by another replica", "key", l.key, "attempt", attempt+1)
		if attempt == maxRetries {
			return false, nil
		}

		time.Sleep(l.retryInterval(attempt))
	}

	return false, nil
}

// Release gives up the lock, but only if this instance's value is still the
// one stored at key. If another replica's lock has since taken the key (our
// TTL expired), Release is a no-op rather than deleting that replica's lock.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		l.logger.Warn("lock: release requested but lock was not acquired", "key", l.key)
		return nil
	}

	l.logger.Debug("lock: releasing", "key", l.key, "value", l.value)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, script, []string{l.key}, l.value).Result()
	if err != nil {
		l.logger.Error("lock: release failed", "key", l.key, "error", err)
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.(int64) == 1 {
		l.acquired = false
		l.logger.Info("lock: released", "key", l.key)
		return nil
	}

	l.logger.Warn("lock: release was a no-op, key already expired or held by another replica", "key", l.key)
	return nil
}

// Extend pushes the lock's expiry out to newTTL, for a deployment that is
// taking longer than the original TTL but is still actively progressing.
func (l *DistributedLock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("cannot extend lock that was not acquired")
	}

	l.logger.Debug("lock: extending", "key", l.key, "newTTL", newTTL)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, script, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		l.logger.Error("lock: extend failed", "key", l.key, "error", err)
		return fmt.Errorf("failed to extend lock: %w", err)
	}

	if result.(int64) == 1 {
		l.ttl = newTTL
		l.logger.Info("lock: extended", "key", l.key, "newTTL", newTTL)
		return nil
	}

	return fmt.Errorf("failed to extend lock (possibly already expired or held by another replica)")
}

// IsAcquired reports whether this instance currently holds the lock.
func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// GetKey returns the Redis key backing this lock.
func (l *DistributedLock) GetKey() string {
	return l.key
}

// GetValue returns this lock instance's unique value.
func (l *DistributedLock) GetValue() string {
	return l.value
}

// GetTTL returns the lock's current TTL.
func (l *DistributedLock) GetTTL() time.Duration {
	return l.ttl
}

// retryInterval computes the backoff before the next acquire attempt:
// linear growth with the attempt number, plus jitter so many replicas
// retrying the same deployment lock don't all wake up in lockstep.
func (l *DistributedLock) retryInterval(attempt int) time.Duration {
	baseInterval := 100 * time.Millisecond
	interval := time.Duration(attempt+1) * baseInterval

	jitter := time.Duration(float64(interval) * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1))
	return interval + jitter
}

// LockManager tracks the locks a single controller process currently holds,
// keyed by their Redis key, so Orchestrator can release exactly the locks it
// took without threading *DistributedLock values through deployment state.
type LockManager struct {
	redis  *redis.Client
	config *LockConfig
	logger *slog.Logger
	locks  map[string]*DistributedLock
}

// NewLockManager creates a LockManager sharing one Redis client and
// LockConfig across every deployment lock it acquires.
func NewLockManager(redis *redis.Client, config *LockConfig, logger *slog.Logger) *LockManager {
	if config == nil {
		config = defaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LockManager{
		redis:  redis,
		config: config,
		logger: logger,
		locks:  make(map[string]*DistributedLock),
	}
}

// AcquireLock takes the lock for key, failing immediately (no retry) if
// another replica already holds it. Orchestrator relies on this fail-fast
// behavior: a deployment that can't get the lock is resolved as a conflict,
// not retried, since the other replica is presumably already running it.
func (lm *LockManager) AcquireLock(ctx context.Context, key string) (*DistributedLock, error) {
	lock := NewDistributedLock(lm.redis, key, lm.config, lm.logger)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock for key: %s", key)
	}

	lm.locks[key] = lock
	return lock, nil
}

// AcquireDeploymentLock takes the cross-replica lock for deploymentID.
func (lm *LockManager) AcquireDeploymentLock(ctx context.Context, deploymentID string) (*DistributedLock, error) {
	return lm.AcquireLock(ctx, DeploymentLockKey(deploymentID))
}

// ReleaseLock releases the lock previously acquired for key, if this
// manager is the one tracking it.
func (lm *LockManager) ReleaseLock(ctx context.Context, key string) error {
	lock, exists := lm.locks[key]
	if !exists {
		lm.logger.Warn("lock: release requested for a key this manager isn't tracking", "key", key)
		return nil
	}

	if err := lock.Release(ctx); err != nil {
		return err
	}

	delete(lm.locks, key)
	return nil
}

// ReleaseDeploymentLock releases the lock for deploymentID.
func (lm *LockManager) ReleaseDeploymentLock(ctx context.Context, deploymentID string) error {
	return lm.ReleaseLock(ctx, DeploymentLockKey(deploymentID))
}

// ReleaseAll releases every lock this manager is currently tracking, e.g.
// during controller shutdown so in-flight deployments don't hold their
// locks past this process's lifetime.
func (lm *LockManager) ReleaseAll(ctx context.Context) error {
	var lastErr error

	for key, lock := range lm.locks {
		if err := lock.Release(ctx); err != nil {
			lm.logger.Error("lock: failed to release during ReleaseAll", "key", key, "error", err)
			lastErr = err
		}
	}

	lm.locks = make(map[string]*DistributedLock)
	return lastErr
}

// GetLock returns the lock tracked for key, if any.
func (lm *LockManager) GetLock(key string) (*DistributedLock, bool) {
	lock, exists := lm.locks[key]
	return lock, exists
}

// ListLocks returns the keys of every lock this manager currently tracks.
func (lm *LockManager) ListLocks() []string {
	keys := make([]string, 0, len(lm.locks))
	for key := range lm.locks {
		keys = append(keys, key)
	}
	return keys
}

// Close releases every tracked lock and clears this manager's state.
func (lm *LockManager) Close(ctx context.Context) error {
	return lm.ReleaseAll(ctx)
}
