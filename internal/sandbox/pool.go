package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
)

// Pool keeps warm sandboxes ready per flavor so agent runs skip the boot
// penalty. A background maintenance loop refills each flavor to its target
// and evicts sandboxes that have aged out.
type Pool struct {
	platform Platform
	cfg      config.SandboxConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	flavors map[string]*flavorPool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// flavorPool holds one flavor's handles. Its mutex guards the warm shelf,
// the assigned set, and the counters; platform calls happen outside it.
type flavorPool struct {
	name string
	cfg  config.FlavorConfig

	mu         sync.Mutex
	warm       []*Handle
	assigned   map[string]*Handle
	created    int
	terminated int
}

// FlavorStats describes one flavor's pool at a point in time.
type FlavorStats struct {
	Flavor     string `json:"flavor"`
	Warm       int    `json:"warm"`
	Assigned   int    `json:"assigned"`
	Created    int    `json:"created"`
	Terminated int    `json:"terminated"`
}

// NewPool builds a pool over the given platform with one sub-pool per
// configured flavor. Call Start to begin background maintenance.
func NewPool(platform Platform, cfg config.SandboxConfig, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	pool := &Pool{
		platform: platform,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		flavors:  make(map[string]*flavorPool, len(cfg.Flavors)),
		stop:     make(chan struct{}),
	}
	for name, flavorCfg := range cfg.Flavors {
		pool.flavors[name] = &flavorPool{
			name:     name,
			cfg:      flavorCfg,
			assigned: make(map[string]*Handle),
		}
	}
	return pool
}

// Start launches the maintenance loop. The first pass runs in the
// background so startup does not wait for warm sandboxes to boot.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.MaintenanceInterval)
		defer ticker.Stop()

		p.maintain(ctx)
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.maintain(ctx)
			}
		}
	}()
}

// Acquire hands out a sandbox of the given flavor, preferring a warm one
// and falling back to a cold create bounded by the configured timeout.
func (p *Pool) Acquire(ctx context.Context, flavor string) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	fp, ok := p.flavors[flavor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlavor, flavor)
	}

	start := time.Now()
	if handle := fp.takeWarm(); handle != nil {
		p.metrics.RecordAcquire(flavor, "warm", time.Since(start).Seconds())
		p.logger.Debug(ctx, "sandbox acquired", "sandbox_id", handle.ID, "flavor", flavor, "source", "warm")
		return handle, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	handle, err := p.platform.Create(createCtx, flavor)
	if err != nil {
		return nil, fmt.Errorf("cold start %s sandbox: %w", flavor, err)
	}
	p.metrics.RecordSandboxCreated(flavor, "cold")

	if !p.adoptAssigned(fp, handle) {
		p.terminate(context.Background(), fp, handle, "pool_closed")
		return nil, ErrPoolClosed
	}

	p.metrics.RecordAcquire(flavor, "cold", time.Since(start).Seconds())
	p.logger.Debug(ctx, "sandbox acquired", "sandbox_id", handle.ID, "flavor", flavor, "source", "cold")
	return handle, nil
}

// Release returns a sandbox to the pool. Reusable handles under the wear
// limits are reset and put back on the warm shelf; everything else is
// terminated. Safe to call with the request context already cancelled.
func (p *Pool) Release(handle *Handle, reusable bool) {
	if handle == nil {
		return
	}

	ctx := context.Background()
	fp := p.flavors[handle.Flavor]
	if fp != nil {
		fp.mu.Lock()
		delete(fp.assigned, handle.ID)
		fp.mu.Unlock()
	}

	switch {
	case fp == nil:
		p.terminate(ctx, fp, handle, "unknown_flavor")
		return
	case !reusable:
		p.terminate(ctx, fp, handle, "not_reusable")
		return
	case p.isClosed():
		p.terminate(ctx, fp, handle, "pool_closed")
		return
	}

	if reason := fp.wearReason(handle); reason != "" {
		p.terminate(ctx, fp, handle, reason)
		return
	}
	if !fp.hasWarmCapacity() {
		p.terminate(ctx, fp, handle, "surplus")
		return
	}

	resetCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	if err := p.platform.Reset(resetCtx, handle); err != nil {
		p.logger.Warn(ctx, "sandbox reset failed", "sandbox_id", handle.ID, "flavor", handle.Flavor, "error", err)
		p.terminate(ctx, fp, handle, "reset_failed")
		return
	}

	if !p.returnWarm(fp, handle) {
		p.terminate(ctx, fp, handle, "surplus")
	}
}

// Stats snapshots every flavor's pool.
func (p *Pool) Stats() map[string]FlavorStats {
	stats := make(map[string]FlavorStats, len(p.flavors))
	for name, fp := range p.flavors {
		fp.mu.Lock()
		stats[name] = FlavorStats{
			Flavor:     name,
			Warm:       len(fp.warm),
			Assigned:   len(fp.assigned),
			Created:    fp.created,
			Terminated: fp.terminated,
		}
		fp.mu.Unlock()
	}
	return stats
}

// Shutdown stops maintenance and terminates every warm and assigned
// sandbox. Acquire fails with ErrPoolClosed from the moment it is called.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	var handles []*Handle
	for _, fp := range p.flavors {
		fp.mu.Lock()
		handles = append(handles, fp.warm...)
		for _, handle := range fp.assigned {
			handles = append(handles, handle)
		}
		fp.warm = nil
		fp.assigned = make(map[string]*Handle)
		fp.mu.Unlock()
	}

	for _, handle := range handles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.terminate(ctx, p.flavors[handle.Flavor], handle, "shutdown")
	}
	return nil
}

// maintain runs a single eviction, refill, and gauge pass over every flavor.
func (p *Pool) maintain(ctx context.Context) {
	for _, fp := range p.flavors {
		p.evictExpired(ctx, fp)
		p.refill(ctx, fp)

		fp.mu.Lock()
		p.metrics.SetPoolGauges(fp.name, len(fp.warm), len(fp.assigned))
		fp.mu.Unlock()
	}
}

func (p *Pool) evictExpired(ctx context.Context, fp *flavorPool) {
	if fp.cfg.MaxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-fp.cfg.MaxAge)

	fp.mu.Lock()
	keep := fp.warm[:0]
	var expired []*Handle
	for _, handle := range fp.warm {
		if handle.CreatedAt.Before(cutoff) {
			handle.State = StateDraining
			expired = append(expired, handle)
		} else {
			keep = append(keep, handle)
		}
	}
	fp.warm = keep
	fp.mu.Unlock()

	for _, handle := range expired {
		p.terminate(ctx, fp, handle, "max_age")
	}
}

func (p *Pool) refill(ctx context.Context, fp *flavorPool) {
	for {
		if p.isClosed() || ctx.Err() != nil {
			return
		}

		fp.mu.Lock()
		need := fp.cfg.TargetWarm - len(fp.warm)
		fp.mu.Unlock()
		if need <= 0 {
			return
		}

		createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
		handle, err := p.platform.Create(createCtx, fp.name)
		cancel()
		if err != nil {
			p.logger.Warn(ctx, "warm pool refill failed", "flavor", fp.name, "error", err)
			p.metrics.RecordError("sandbox_pool", "refill_failed")
			return
		}
		p.metrics.RecordSandboxCreated(fp.name, "refill")

		if !fp.shelveNew(handle) {
			p.terminate(ctx, fp, handle, "surplus")
		}
	}
}

// terminate tears a handle down. It never uses the request context so a
// cancelled request still releases its sandbox.
func (p *Pool) terminate(ctx context.Context, fp *flavorPool, handle *Handle, reason string) {
	handle.State = StateDraining

	termCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	if err := p.platform.Terminate(termCtx, handle); err != nil {
		p.logger.Warn(ctx, "sandbox terminate failed", "sandbox_id", handle.ID, "flavor", handle.Flavor, "error", err)
	}
	handle.State = StateTerminated

	p.metrics.RecordSandboxTerminated(handle.Flavor, reason)
	if fp != nil {
		fp.mu.Lock()
		fp.terminated++
		fp.mu.Unlock()
	}
}

// adoptAssigned records a freshly created handle as assigned, refusing once
// the pool has closed so shutdown cannot miss it.
func (p *Pool) adoptAssigned(fp *flavorPool, handle *Handle) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	fp.assign(handle)
	return true
}

// returnWarm shelves a reset handle, refusing once the pool has closed or
// the shelf reached target.
func (p *Pool) returnWarm(fp *flavorPool, handle *Handle) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return fp.shelve(handle)
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// takeWarm pops the most recently shelved handle, or nil when the shelf is
// empty.
func (fp *flavorPool) takeWarm() *Handle {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	n := len(fp.warm)
	if n == 0 {
		return nil
	}
	handle := fp.warm[n-1]
	fp.warm = fp.warm[:n-1]

	handle.State = StateAssigned
	handle.RequestCount++
	handle.LastUsedAt = time.Now()
	fp.assigned[handle.ID] = handle
	return handle
}

func (fp *flavorPool) assign(handle *Handle) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	fp.created++
	handle.State = StateAssigned
	handle.RequestCount = 1
	handle.LastUsedAt = time.Now()
	fp.assigned[handle.ID] = handle
}

func (fp *flavorPool) shelve(handle *Handle) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if len(fp.warm) >= fp.cfg.TargetWarm {
		return false
	}
	handle.State = StateWarm
	fp.warm = append(fp.warm, handle)
	return true
}

// shelveNew counts a refill creation and shelves it, reporting false when
// the shelf filled up while the sandbox was booting.
func (fp *flavorPool) shelveNew(handle *Handle) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	fp.created++
	if len(fp.warm) >= fp.cfg.TargetWarm {
		return false
	}
	handle.State = StateWarm
	fp.warm = append(fp.warm, handle)
	return true
}

func (fp *flavorPool) hasWarmCapacity() bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.warm) < fp.cfg.TargetWarm
}

// wearReason reports why a handle is too worn to reuse, or "" when it can
// go back on the shelf.
func (fp *flavorPool) wearReason(handle *Handle) string {
	if fp.cfg.MaxRequests > 0 && handle.RequestCount >= fp.cfg.MaxRequests {
		return "max_requests"
	}
	if fp.cfg.MaxAge > 0 && time.Since(handle.CreatedAt) >= fp.cfg.MaxAge {
		return "max_age"
	}
	return ""
}
