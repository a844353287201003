// Package pool manages a bounded set of recognition provider instances
// shared by all sessions.
//
// A Pool is created per enabled backend and sized between MinSize and
// MaxSize. Sessions acquire instances through Lease, which blocks up to
// the acquire timeout. An instance is bound to exactly one session at a
// time; selection prefers the idle instance with the fewest in-flight
// requests, ties broken least-recently-used. Waiters queue FIFO, with an
// aging boost that erodes the penalty placed on sessions already holding
// leases so no session starves.
//
// Every instance is guarded by a circuit breaker. Transcription errors do
// not poison an instance by themselves; only probe failures or a
// configurable run of consecutive transcription errors mark it unhealthy,
// after which it is closed and replaced.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/internal/resilience"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
)

var (
	// ErrAcquireTimeout reports that no instance became free within the
	// acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")

	// ErrQuotaExceeded reports that the session already holds its full
	// per-session quota of leases.
	ErrQuotaExceeded = errors.New("pool: per-session quota exceeded")

	// ErrPoolDraining reports that the pool is shutting down.
	ErrPoolDraining = errors.New("pool: draining")
)

// Factory creates one provider instance. It is called during pool
// construction, scale-up, and instance replacement.
type Factory func(ctx context.Context) (asr.Provider, error)

// AutoScaleConfig tunes the optional scaling loop.
type AutoScaleConfig struct {
	Enabled            bool
	ScaleInterval      time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
}

// Config holds the pool tuning knobs.
type Config struct {
	// Name labels the pool in logs and stats.
	Name string

	// MinSize and MaxSize bound the instance count. MinSize >= 0,
	// MaxSize >= max(MinSize, 1).
	MinSize int
	MaxSize int

	// AcquireTimeout bounds how long Lease blocks. Default: 5 s.
	AcquireTimeout time.Duration

	// PerSessionQuota caps concurrent leases per session. Default: 1.
	PerSessionQuota int

	// HealthCheckInterval is the idle-probe period. Zero disables the
	// health loop.
	HealthCheckInterval time.Duration

	// ProbeTimeout bounds one synthetic probe. Default: 2 s.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive failures (probe or
	// transcription) that marks an instance unhealthy. Default: 3.
	FailureThreshold int

	// AutoScale enables utilization-driven resizing.
	AutoScale AutoScaleConfig
}

func (c *Config) applyDefaults() error {
	if c.MaxSize <= 0 {
		c.MaxSize = 1
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("pool %s: min size %d out of range [0, %d]", c.Name, c.MinSize, c.MaxSize)
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.PerSessionQuota <= 0 {
		c.PerSessionQuota = 1
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.AutoScale.Enabled {
		if c.AutoScale.ScaleInterval <= 0 {
			c.AutoScale.ScaleInterval = 10 * time.Second
		}
		if c.AutoScale.ScaleUpThreshold <= 0 {
			c.AutoScale.ScaleUpThreshold = 0.8
		}
		if c.AutoScale.ScaleDownThreshold <= 0 {
			c.AutoScale.ScaleDownThreshold = 0.3
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of pool health.
type Stats struct {
	Name            string `json:"name"`
	Size            int    `json:"size"`
	InUse           int    `json:"in_use"`
	Waiters         int    `json:"waiters"`
	TotalLeases     uint64 `json:"total_leases"`
	Timeouts        uint64 `json:"timeouts"`
	QuotaRejections uint64 `json:"quota_rejections"`
	ProbeFailures   uint64 `json:"probe_failures"`
	Replaced        uint64 `json:"replaced"`
}

type instance struct {
	id       int
	provider asr.Provider
	breaker  *resilience.CircuitBreaker

	leased    bool
	probing   bool
	inFlight  int
	lastUsed  time.Time
	createdAt time.Time

	consecutiveErrors int
}

type waiter struct {
	sessionID string
	seq       uint64
	arrived   time.Time
	penalty   float64
	ch        chan *Lease
}

// Pool is a bounded set of provider instances. Safe for concurrent use.
type Pool struct {
	cfg     Config
	factory Factory

	mu        sync.Mutex
	instances []*instance
	waiters   []*waiter
	active    map[string]int // session -> active lease count
	nextID    int
	nextSeq   uint64
	draining  bool

	totalLeases     uint64
	timeouts        uint64
	quotaRejections uint64
	probeFailures   uint64
	replaced        uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates the pool and eagerly builds MinSize instances. Construction
// fails when any initial instance cannot be created.
func New(ctx context.Context, cfg Config, factory Factory) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: factory must not be nil")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		active:  make(map[string]int),
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		inst, err := p.buildInstance(ctx)
		if err != nil {
			p.closeAllLocked()
			return nil, fmt.Errorf("pool %s: build initial instance: %w", cfg.Name, err)
		}
		p.instances = append(p.instances, inst)
	}

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	if cfg.AutoScale.Enabled {
		p.wg.Add(1)
		go p.scaleLoop()
	}

	return p, nil
}

// buildInstance creates one instance outside p.mu.
func (p *Pool) buildInstance(ctx context.Context) (*instance, error) {
	prov, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	now := time.Now()
	return &instance{
		id:       id,
		provider: prov,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        fmt.Sprintf("%s/%d", p.cfg.Name, id),
			MaxFailures: p.cfg.FailureThreshold,
		}),
		lastUsed:  now,
		createdAt: now,
	}, nil
}

// Lease acquires an instance for sessionID, blocking up to the acquire
// timeout (or ctx, whichever ends first).
func (p *Pool) Lease(ctx context.Context, sessionID string) (*Lease, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolDraining
	}
	if p.active[sessionID] >= p.cfg.PerSessionQuota {
		p.quotaRejections++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrQuotaExceeded, sessionID)
	}

	if inst := p.selectIdleLocked(); inst != nil {
		lease := p.grantLocked(inst, sessionID)
		p.mu.Unlock()
		return lease, nil
	}

	// No idle instance. Try growing before queueing.
	canGrow := len(p.instances) < p.cfg.MaxSize
	w := &waiter{
		sessionID: sessionID,
		seq:       p.nextSeq,
		arrived:   time.Now(),
		penalty:   float64(p.active[sessionID]),
		ch:        make(chan *Lease, 1),
	}
	p.nextSeq++
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	if canGrow {
		go p.growOne(ctx)
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case lease := <-w.ch:
		if lease == nil {
			return nil, ErrPoolDraining
		}
		return lease, nil
	case <-timer.C:
		p.abandonWaiter(w)
		// A grant may have raced the timeout.
		select {
		case lease := <-w.ch:
			if lease != nil {
				return lease, nil
			}
		default:
		}
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: after %s", ErrAcquireTimeout, p.cfg.AcquireTimeout)
	case <-ctx.Done():
		p.abandonWaiter(w)
		select {
		case lease := <-w.ch:
			if lease != nil {
				return lease, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// growOne adds one instance if the pool is still under MaxSize, then
// serves the waiter queue.
func (p *Pool) growOne(ctx context.Context) {
	p.mu.Lock()
	if p.draining || len(p.instances) >= p.cfg.MaxSize {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	inst, err := p.buildInstance(ctx)
	if err != nil {
		slog.Warn("pool scale-up failed", "pool", p.cfg.Name, "error", err)
		return
	}

	p.mu.Lock()
	if p.draining || len(p.instances) >= p.cfg.MaxSize {
		p.mu.Unlock()
		inst.provider.Close()
		return
	}
	p.instances = append(p.instances, inst)
	p.serveWaitersLocked()
	p.mu.Unlock()
}

// abandonWaiter removes w from the queue if it is still queued.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// selectIdleLocked picks the idle instance with the fewest in-flight
// requests, ties broken least-recently-used. Must be called with p.mu
// held.
func (p *Pool) selectIdleLocked() *instance {
	var best *instance
	for _, inst := range p.instances {
		if inst.leased || inst.probing {
			continue
		}
		if best == nil ||
			inst.inFlight < best.inFlight ||
			(inst.inFlight == best.inFlight && inst.lastUsed.Before(best.lastUsed)) {
			best = inst
		}
	}
	return best
}

// grantLocked binds inst to sessionID. Must be called with p.mu held.
func (p *Pool) grantLocked(inst *instance, sessionID string) *Lease {
	inst.leased = true
	inst.lastUsed = time.Now()
	p.active[sessionID]++
	p.totalLeases++
	return &Lease{pool: p, inst: inst, sessionID: sessionID}
}

// serveWaitersLocked hands idle instances to queued waiters. Waiters are
// ranked FIFO with a lease-count penalty that decays with age, measured
// in acquire-timeout units. Must be called with p.mu held.
func (p *Pool) serveWaitersLocked() {
	now := time.Now()
	for len(p.waiters) > 0 {
		inst := p.selectIdleLocked()
		if inst == nil {
			return
		}

		best := -1
		bestScore := 0.0
		for i, w := range p.waiters {
			if p.active[w.sessionID] >= p.cfg.PerSessionQuota {
				continue
			}
			age := now.Sub(w.arrived).Seconds() / p.cfg.AcquireTimeout.Seconds()
			score := float64(w.seq) + (w.penalty-age)*float64(p.cfg.MaxSize)
			if best == -1 || score < bestScore {
				best, bestScore = i, score
			}
		}
		if best == -1 {
			return
		}

		w := p.waiters[best]
		p.waiters = append(p.waiters[:best], p.waiters[best+1:]...)
		w.ch <- p.grantLocked(inst, w.sessionID)
	}
}

// release returns an instance to the pool and probes it when its last
// lease saw errors.
func (p *Pool) release(l *Lease, sawErrors bool) {
	p.mu.Lock()
	l.inst.leased = false
	l.inst.lastUsed = time.Now()
	if n := p.active[l.sessionID]; n <= 1 {
		delete(p.active, l.sessionID)
	} else {
		p.active[l.sessionID] = n - 1
	}

	if p.draining {
		p.removeLocked(l.inst)
		p.mu.Unlock()
		if err := l.inst.provider.Close(); err != nil {
			slog.Warn("pool instance close failed", "pool", p.cfg.Name, "instance", l.inst.id, "error", err)
		}
		return
	}

	unhealthy := l.inst.consecutiveErrors >= p.cfg.FailureThreshold
	if unhealthy {
		p.removeLocked(l.inst)
		p.mu.Unlock()
		p.replaceInstance(l.inst)
		return
	}

	if sawErrors {
		l.inst.probing = true
		p.mu.Unlock()
		go p.probeAndSettle(l.inst)
		return
	}

	p.serveWaitersLocked()
	p.mu.Unlock()
}

// probeAndSettle runs one synthetic probe on inst and either returns it
// to service or replaces it.
func (p *Pool) probeAndSettle(inst *instance) {
	err := p.probe(inst)

	p.mu.Lock()
	inst.probing = false
	if err != nil {
		p.probeFailures++
		inst.consecutiveErrors++
		if inst.consecutiveErrors >= p.cfg.FailureThreshold {
			p.removeLocked(inst)
			p.mu.Unlock()
			p.replaceInstance(inst)
			return
		}
	} else {
		inst.consecutiveErrors = 0
	}
	p.serveWaitersLocked()
	p.mu.Unlock()
}

// probe runs a cheap synthetic transcription: 100 ms of silence.
func (p *Pool) probe(inst *instance) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	silence := make([]byte, 3200)
	_, err := inst.provider.Transcribe(ctx, silence, asr.AudioConfig{SampleRate: 16000, Channels: 1})
	return err
}

// removeLocked drops inst from the instance list. Must be called with
// p.mu held.
func (p *Pool) removeLocked(inst *instance) {
	for i, cur := range p.instances {
		if cur == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

// replaceInstance closes a removed instance and rebuilds one when the
// pool dropped under MinSize.
func (p *Pool) replaceInstance(old *instance) {
	slog.Warn("pool instance unhealthy, replacing",
		"pool", p.cfg.Name, "instance", old.id,
		"consecutive_errors", old.consecutiveErrors)
	if err := old.provider.Close(); err != nil {
		slog.Warn("pool instance close failed", "pool", p.cfg.Name, "instance", old.id, "error", err)
	}

	p.mu.Lock()
	p.replaced++
	needed := !p.draining && len(p.instances) < p.cfg.MinSize
	p.mu.Unlock()
	if !needed {
		return
	}

	inst, err := p.buildInstance(context.Background())
	if err != nil {
		slog.Error("pool instance replacement failed", "pool", p.cfg.Name, "error", err)
		return
	}
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		inst.provider.Close()
		return
	}
	p.instances = append(p.instances, inst)
	p.serveWaitersLocked()
	p.mu.Unlock()
}

// healthLoop probes idle instances on a fixed period.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			var idle []*instance
			for _, inst := range p.instances {
				if !inst.leased && !inst.probing {
					inst.probing = true
					idle = append(idle, inst)
				}
			}
			p.mu.Unlock()
			for _, inst := range idle {
				p.probeAndSettle(inst)
			}
		}
	}
}

// scaleLoop resizes the pool by at most one instance per tick.
func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.AutoScale.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.scaleTick()
		}
	}
}

func (p *Pool) scaleTick() {
	p.mu.Lock()
	size := len(p.instances)
	if size == 0 {
		needed := p.cfg.MinSize > 0 || len(p.waiters) > 0
		p.mu.Unlock()
		if needed {
			p.growOne(context.Background())
		}
		return
	}
	inUse := 0
	for _, inst := range p.instances {
		if inst.leased {
			inUse++
		}
	}
	utilization := float64(inUse) / float64(size)

	switch {
	case utilization >= p.cfg.AutoScale.ScaleUpThreshold && size < p.cfg.MaxSize:
		p.mu.Unlock()
		p.growOne(context.Background())
	case utilization <= p.cfg.AutoScale.ScaleDownThreshold && size > p.cfg.MinSize:
		// Retire the oldest idle instance.
		var victim *instance
		for _, inst := range p.instances {
			if inst.leased || inst.probing {
				continue
			}
			if victim == nil || inst.createdAt.Before(victim.createdAt) {
				victim = inst
			}
		}
		if victim != nil {
			p.removeLocked(victim)
		}
		p.mu.Unlock()
		if victim != nil {
			slog.Info("pool scaled down", "pool", p.cfg.Name, "instance", victim.id)
			victim.provider.Close()
		}
	default:
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, inst := range p.instances {
		if inst.leased {
			inUse++
		}
	}
	return Stats{
		Name:            p.cfg.Name,
		Size:            len(p.instances),
		InUse:           inUse,
		Waiters:         len(p.waiters),
		TotalLeases:     p.totalLeases,
		Timeouts:        p.timeouts,
		QuotaRejections: p.quotaRejections,
		ProbeFailures:   p.probeFailures,
		Replaced:        p.replaced,
	}
}

// Close drains the pool: queued waiters fail with ErrPoolDraining, new
// leases are rejected, and instances close as they come back. Safe to
// call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	close(p.done)
	for _, w := range p.waiters {
		w.ch <- nil
	}
	p.waiters = nil
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeAllLocked()
	return nil
}

// closeAllLocked closes every unleased instance. Leased instances close
// on release. Must be called with p.mu held.
func (p *Pool) closeAllLocked() {
	sort.Slice(p.instances, func(a, b int) bool { return p.instances[a].id < p.instances[b].id })
	remaining := p.instances[:0]
	for _, inst := range p.instances {
		if inst.leased {
			remaining = append(remaining, inst)
			continue
		}
		if err := inst.provider.Close(); err != nil {
			slog.Warn("pool instance close failed", "pool", p.cfg.Name, "instance", inst.id, "error", err)
		}
	}
	p.instances = remaining
}
