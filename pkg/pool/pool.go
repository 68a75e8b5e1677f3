// Package pool maintains a warm pool of pre-booted VMs so acquisition
// can return a ready instance without waiting out a boot.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/events"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/metrics"
	"github.com/a3s-lab/box/pkg/types"
)

// Instance is the pool's view of a booted VM.
type Instance interface {
	ID() string
	Destroy(ctx context.Context) error
}

// BootFunc boots a fresh VM from the pool's template configuration.
type BootFunc func(ctx context.Context) (Instance, error)

// warmVM pairs an idle instance with the moment it entered the pool.
type warmVM struct {
	vm      Instance
	pooledAt time.Time
}

// replenishConcurrency bounds how many template boots run at once.
const replenishConcurrency = 2

// WarmPool keeps up to max_size booted VMs, at least min_idle of them
// idle, evicting entries that sit unused past the idle TTL.
type WarmPool struct {
	cfg  types.PoolConfig
	boot BootFunc

	mu   sync.Mutex
	idle []warmVM

	statsMu sync.Mutex
	stats   types.PoolStats

	broker  *events.Broker
	logger  zerolog.Logger
	bootSem *semaphore.Weighted

	shutdown chan struct{}
	done     chan struct{}
	drained  bool
}

// Start validates the configuration, performs the initial fill, and
// starts the maintenance loop.
func Start(ctx context.Context, cfg types.PoolConfig, boot BootFunc, broker *events.Broker) (*WarmPool, error) {
	if cfg.MaxSize <= 0 {
		return nil, errdefs.Pool("max_size must be greater than 0")
	}
	if cfg.MinIdle < 0 {
		return nil, errdefs.Pool("min_idle cannot be negative")
	}
	if cfg.MinIdle > cfg.MaxSize {
		return nil, errdefs.Pool("min_idle (%d) cannot exceed max_size (%d)", cfg.MinIdle, cfg.MaxSize)
	}

	p := &WarmPool{
		cfg:      cfg,
		boot:     boot,
		broker:   broker,
		logger:   log.WithComponent("warm-pool"),
		bootSem:  semaphore.NewWeighted(replenishConcurrency),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	p.fillToMin(ctx)
	go p.maintenanceLoop()

	p.logger.Info().Int("min_idle", cfg.MinIdle).Int("max_size", cfg.MaxSize).
		Uint64("idle_ttl_secs", cfg.IdleTTLSecs).Msg("Warm pool started")
	return p, nil
}

// Acquire pops an idle VM if one is available, otherwise boots one on
// demand.
func (p *WarmPool) Acquire(ctx context.Context) (Instance, error) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil, errdefs.Pool("pool is drained")
	}
	if n := len(p.idle); n > 0 {
		warm := p.idle[n-1]
		p.idle = p.idle[:n-1]
		idleLeft := len(p.idle)
		p.mu.Unlock()

		p.bumpStats(func(s *types.PoolStats) {
			s.TotalAcquired++
			s.IdleCount = idleLeft
		})
		metrics.PoolAcquiredTotal.Inc()
		metrics.PoolIdle.Set(float64(idleLeft))

		p.emit(events.EventPoolVMAcquired, "Acquired VM "+types.ShortID(warm.vm.ID())+" from pool")
		p.logger.Debug().Str("box_id", types.ShortID(warm.vm.ID())).
			Int("idle_remaining", idleLeft).Msg("Acquired VM from warm pool")
		return warm.vm, nil
	}
	p.mu.Unlock()

	// No idle VM — boot on demand (slow path).
	p.logger.Info().Msg("No idle VM in pool, booting on demand")
	vm, err := p.bootNew(ctx)
	if err != nil {
		return nil, err
	}

	p.bumpStats(func(s *types.PoolStats) { s.TotalAcquired++ })
	metrics.PoolAcquiredTotal.Inc()
	return vm, nil
}

// Release pushes a VM back onto the idle list, or destroys it when the
// pool is full or drained.
func (p *WarmPool) Release(ctx context.Context, vm Instance) error {
	p.mu.Lock()
	if p.drained || len(p.idle) >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.logger.Debug().Str("box_id", types.ShortID(vm.ID())).
			Msg("Pool full, destroying released VM")
		return vm.Destroy(ctx)
	}

	p.idle = append(p.idle, warmVM{vm: vm, pooledAt: time.Now()})
	idleCount := len(p.idle)
	p.mu.Unlock()

	p.bumpStats(func(s *types.PoolStats) {
		s.TotalReleased++
		s.IdleCount = idleCount
	})
	metrics.PoolIdle.Set(float64(idleCount))

	p.emit(events.EventPoolVMReleased, "Released VM "+types.ShortID(vm.ID())+" back to pool")
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *WarmPool) Stats() types.PoolStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := p.stats
	out.IdleCount = p.IdleCount()
	return out
}

// IdleCount returns the current idle list length.
func (p *WarmPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Drain stops the maintenance loop, destroys every idle VM, and leaves
// the pool refusing further acquisitions.
func (p *WarmPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil
	}
	p.drained = true
	p.mu.Unlock()

	close(p.shutdown)
	<-p.done

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, warm := range idle {
		if err := warm.vm.Destroy(ctx); err != nil {
			p.logger.Warn().Err(err).Str("box_id", types.ShortID(warm.vm.ID())).
				Msg("Failed to destroy pooled VM during drain")
		}
	}

	p.bumpStats(func(s *types.PoolStats) { s.IdleCount = 0 })
	metrics.PoolIdle.Set(0)

	p.emit(events.EventPoolDrained, "Warm pool drained")
	p.logger.Info().Int("destroyed", len(idle)).Msg("Warm pool drained")
	return nil
}

func (p *WarmPool) bootNew(ctx context.Context) (Instance, error) {
	vm, err := p.boot(ctx)
	if err != nil {
		return nil, err
	}
	p.bumpStats(func(s *types.PoolStats) { s.TotalCreated++ })
	p.emit(events.EventPoolVMCreated, "Booted VM "+types.ShortID(vm.ID()))
	return vm, nil
}

// fillToMin boots VMs until min_idle idle entries exist. Boots run
// concurrently, gated by bootSem; failures are logged and the
// maintenance loop retries on its next tick.
func (p *WarmPool) fillToMin(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.MinIdle - len(p.idle)
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := p.bootSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer p.bootSem.Release(1)

			vm, err := p.bootNew(ctx)
			if err != nil {
				p.logger.Warn().Err(err).Msg("Failed to boot VM for warm pool")
				return
			}

			p.mu.Lock()
			if p.drained || len(p.idle) >= p.cfg.MaxSize {
				p.mu.Unlock()
				_ = vm.Destroy(ctx)
				return
			}
			p.idle = append(p.idle, warmVM{vm: vm, pooledAt: time.Now()})
			idleCount := len(p.idle)
			p.mu.Unlock()

			p.bumpStats(func(s *types.PoolStats) { s.IdleCount = idleCount })
			metrics.PoolIdle.Set(float64(idleCount))
		}()
	}
	wg.Wait()
}

// maintenanceLoop ticks at max(5s, ttl/5) — 30s with TTL disabled —
// evicting expired idle VMs, then replenishing to min_idle.
func (p *WarmPool) maintenanceLoop() {
	defer close(p.done)

	interval := 30 * time.Second
	if p.cfg.IdleTTLSecs > 0 {
		interval = time.Duration(p.cfg.IdleTTLSecs/5) * time.Second
		if interval < 5*time.Second {
			interval = 5 * time.Second
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			p.logger.Debug().Msg("Pool maintenance loop shutting down")
			return
		case <-ticker.C:
			if p.cfg.IdleTTLSecs > 0 {
				p.evictExpired()
			}
			p.fillToMin(context.Background())
			p.emit(events.EventPoolReplenish, "")
		}
	}
}

func (p *WarmPool) evictExpired() {
	ttl := time.Duration(p.cfg.IdleTTLSecs) * time.Second

	p.mu.Lock()
	kept := p.idle[:0]
	var expired []warmVM
	for _, warm := range p.idle {
		if time.Since(warm.pooledAt) > ttl {
			expired = append(expired, warm)
		} else {
			kept = append(kept, warm)
		}
	}
	p.idle = kept
	idleCount := len(p.idle)
	p.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, warm := range expired {
		if err := warm.vm.Destroy(ctx); err != nil {
			p.logger.Warn().Err(err).Str("box_id", types.ShortID(warm.vm.ID())).
				Msg("Failed to destroy expired VM")
		}
	}

	p.bumpStats(func(s *types.PoolStats) {
		s.TotalEvicted += uint64(len(expired))
		s.IdleCount = idleCount
	})
	metrics.PoolEvictedTotal.Add(float64(len(expired)))
	metrics.PoolIdle.Set(float64(idleCount))

	p.emit(events.EventPoolVMEvicted, "Evicted expired VMs from pool")
	p.logger.Debug().Int("evicted", len(expired)).Msg("Evicted expired pool VMs")
}

func (p *WarmPool) bumpStats(fn func(*types.PoolStats)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	fn(&p.stats)
}

func (p *WarmPool) emit(t events.EventType, msg string) {
	if p.broker != nil {
		p.broker.Emit(t, msg)
	}
}
