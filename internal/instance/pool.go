package instance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentpool/agentpool/internal/errors"
	"github.com/agentpool/agentpool/internal/logging"
)

// PoolConfig holds the pool's admission and eviction settings.
type PoolConfig struct {
	// MaxInstances is the hard admission limit. The pool fails fast when
	// full; it never queues or evicts to make room.
	MaxInstances int

	// IdleTimeout is how long an instance may sit without activity before
	// CleanupIdle evicts it.
	IdleTimeout time.Duration

	// Exec is the subprocess configuration shared by all instances.
	Exec ExecConfig
}

// DefaultPoolConfig returns the default pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxInstances: 10,
		IdleTimeout:  30 * time.Minute,
		Exec:         DefaultExecConfig(),
	}
}

// Pool is the admission-controlled, session-affine registry of instances.
//
// The two maps are kept consistent as a pair under one mutex: every instance
// appears in both or neither, and the capacity check and insert in
// GetOrCreate form a single critical section.
type Pool struct {
	cfg    PoolConfig
	logger *logging.Logger

	mu        sync.Mutex
	byID      map[string]*Instance
	bySession map[string]*Instance

	// Cleanup loop state. cleanupStop is non-nil while a loop is running.
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// NewPool creates an instance pool. A nil logger falls back to a no-op
// logger.
func NewPool(cfg PoolConfig, logger *logging.Logger) *Pool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultPoolConfig().MaxInstances
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultPoolConfig().IdleTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Pool{
		cfg:       cfg,
		logger:    logger.WithComponent("pool"),
		byID:      make(map[string]*Instance),
		bySession: make(map[string]*Instance),
	}
}

// GetOrCreate returns the session's existing instance, touching its activity
// timestamp, or creates a new one. The second return value reports whether a
// new instance was created. When the pool is at capacity, a CapacityError is
// returned and the pool is unchanged.
func (p *Pool) GetOrCreate(sessionID, clientType, clientID, workingDir string, metadata map[string]any) (*Instance, bool, error) {
	p.mu.Lock()

	if existing, ok := p.bySession[sessionID]; ok {
		p.mu.Unlock()
		existing.Touch()
		return existing, false, nil
	}

	if len(p.byID) >= p.cfg.MaxInstances {
		p.mu.Unlock()
		p.logger.Warn("pool at capacity, rejecting session",
			"session_id", sessionID,
			"limit", p.cfg.MaxInstances)
		return nil, false, apperrors.NewCapacityError(p.cfg.MaxInstances)
	}

	id := uuid.NewString()
	inst := New(id, sessionID, clientType, clientID, workingDir, metadata, p.cfg.Exec, p.logger)
	inst.Start()

	p.byID[id] = inst
	p.bySession[sessionID] = inst
	size := len(p.byID)
	p.mu.Unlock()

	p.logger.Info("instance created",
		"instance_id", id,
		"session_id", sessionID,
		"client_type", clientType,
		"pool_size", size)

	return inst, true, nil
}

// Get returns the instance with the given ID, or nil. Pure lookup, no side
// effects.
func (p *Pool) Get(instanceID string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[instanceID]
}

// GetBySession returns the session's instance, or nil. Pure lookup, no side
// effects.
func (p *Pool) GetBySession(sessionID string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bySession[sessionID]
}

// ListAll returns a snapshot projection of every instance, in no particular
// order.
func (p *Pool) ListAll() []Info {
	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.byID))
	for _, inst := range p.byID {
		instances = append(instances, inst)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(instances))
	for _, inst := range instances {
		infos = append(infos, inst.Snapshot())
	}
	return infos
}

// Size returns the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Delete stops the instance and removes it from both maps. Returns false if
// the ID is unknown; deleting twice is an idempotent no-op.
func (p *Pool) Delete(instanceID string) bool {
	p.mu.Lock()
	inst, ok := p.byID[instanceID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.byID, instanceID)
	delete(p.bySession, inst.SessionID())
	p.mu.Unlock()

	// Stop outside the lock: the graceful stop path can wait out the full
	// grace period.
	inst.Stop()

	p.logger.Info("instance deleted",
		"instance_id", instanceID,
		"session_id", inst.SessionID())
	return true
}

// CleanupIdle evicts every instance idle longer than the configured timeout
// and returns the count evicted. The scan and the mutation are two phases so
// eviction never mutates the map being iterated.
func (p *Pool) CleanupIdle() int {
	return p.CleanupIdleOlderThan(p.cfg.IdleTimeout)
}

// CleanupIdleOlderThan is CleanupIdle with an explicit idle threshold, used
// by the administrative cleanup surface.
func (p *Pool) CleanupIdleOlderThan(maxIdle time.Duration) int {
	now := time.Now()

	p.mu.Lock()
	var expired []string
	for id, inst := range p.byID {
		if now.Sub(inst.LastActivity()) > maxIdle {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	evicted := 0
	for _, id := range expired {
		if p.Delete(id) {
			evicted++
		}
	}

	if evicted > 0 {
		p.logger.Info("idle instances evicted",
			"count", evicted,
			"max_idle", maxIdle.String())
	}
	return evicted
}

// StartCleanupLoop runs CleanupIdle every interval on a background
// goroutine. Exactly one loop may run at a time; starting a second is a
// logged no-op. The loop keeps running through cleanup errors and exits only
// on StopCleanupLoop or context cancellation.
func (p *Pool) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.cleanupStop != nil {
		p.mu.Unlock()
		p.logger.Warn("cleanup loop already running")
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.cleanupStop = stop
	p.cleanupDone = done
	p.mu.Unlock()

	p.logger.Info("cleanup loop started", "interval", interval.String())

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.runCleanupTick()
			}
		}
	}()
}

// runCleanupTick executes one cleanup pass, recovering from panics so the
// loop never terminates on an error inside eviction.
func (p *Pool) runCleanupTick() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("cleanup pass panicked", "panic", r)
		}
	}()
	p.CleanupIdle()
}

// StopCleanupLoop cancels the cleanup loop and waits for it to exit.
// Stopping a pool with no running loop is a no-op.
func (p *Pool) StopCleanupLoop() {
	p.mu.Lock()
	stop := p.cleanupStop
	done := p.cleanupDone
	p.cleanupStop = nil
	p.cleanupDone = nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	p.logger.Info("cleanup loop stopped")
}

// Shutdown stops the cleanup loop, stops every remaining instance, and
// clears both maps. Intended as the terminal call before process exit.
func (p *Pool) Shutdown() {
	p.StopCleanupLoop()

	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.byID))
	for _, inst := range p.byID {
		instances = append(instances, inst)
	}
	p.byID = make(map[string]*Instance)
	p.bySession = make(map[string]*Instance)
	p.mu.Unlock()

	for _, inst := range instances {
		inst.Stop()
	}

	p.logger.Info("pool shut down", "instances_stopped", len(instances))
}
