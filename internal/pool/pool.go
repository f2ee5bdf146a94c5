// Package pool keeps instantiated plugin runtimes warm between invocations.
//
// Entries are keyed by (extensionID, installKey). Instantiation is expensive,
// so at most one is in flight per key; concurrent acquirers wait for it. A
// periodic sweep tears down instances idle past the configured timeout.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dylibso/discordbot/internal/sandbox"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

// ErrNotAvailable means no artifact has ever been cached for the key. Callers
// treat this as "use the default response", not as a dispatch failure.
var ErrNotAvailable = errors.New("pool: no artifact available")

// Instance is what the pool hands out. *sandbox.Instance implements it.
type Instance interface {
	Invoke(ctx context.Context, bridge sandbox.HostBridge, input []byte) (string, error)
	Close() error
}

// Resolver produces artifact bytes for a key. Resolve never fails loudly: it
// returns (nil, "") when nothing is available.
type Resolver interface {
	Resolve(ctx context.Context, extensionID, installKey string) (data []byte, contentType string)
}

// Factory instantiates a runtime from artifact bytes.
type Factory func(name string, data []byte, contentType string) (Instance, error)

type Options struct {
	IdleTimeout   time.Duration // evict entries idle longer than this
	SweepInterval time.Duration // how often the sweep runs
}

type entry struct {
	done chan struct{} // closed once instantiation settles

	// Guarded by Pool.mu after done is closed.
	lastCall time.Time
	inst     Instance
	err      error
}

type Pool struct {
	resolver Resolver
	factory  Factory
	opts     Options
	log      logx.Logger

	mu      sync.Mutex
	entries map[string]*entry

	instantiations atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(resolver Resolver, factory Factory, opts Options, log logx.Logger) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		resolver: resolver,
		factory:  factory,
		opts:     opts,
		log:      log,
		entries:  map[string]*entry{},
		stop:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Acquire returns the live runtime for the key, instantiating it if needed.
// Concurrent acquirers of a missing key share one instantiation.
func (p *Pool) Acquire(ctx context.Context, extensionID, installKey string) (Instance, error) {
	key := extensionID + ":" + installKey

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p.mu.Lock()
		if e.err == nil && e.inst != nil {
			e.lastCall = time.Now()
			p.mu.Unlock()
			return e.inst, nil
		}
		// The in-flight instantiation failed; drop the entry so the next
		// acquisition retries, and report the failure to this caller.
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		p.mu.Unlock()
		return nil, e.err
	}

	e := &entry{done: make(chan struct{})}
	p.entries[key] = e
	p.mu.Unlock()

	inst, err := p.instantiate(ctx, extensionID, installKey)

	p.mu.Lock()
	e.inst, e.err = inst, err
	e.lastCall = time.Now()
	if err != nil {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	close(e.done)

	return inst, err
}

func (p *Pool) instantiate(ctx context.Context, extensionID, installKey string) (Instance, error) {
	data, contentType := p.resolver.Resolve(ctx, extensionID, installKey)
	if len(data) == 0 {
		return nil, ErrNotAvailable
	}
	inst, err := p.factory(extensionID+":"+installKey, data, contentType)
	if err != nil {
		return nil, err
	}
	p.instantiations.Add(1)
	return inst, nil
}

// Instantiations counts successful runtime constructions since start.
func (p *Pool) Instantiations() uint64 { return p.instantiations.Load() }

// Size reports live entries, settled or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *Pool) sweep(now time.Time) {
	var victims []Instance

	p.mu.Lock()
	for key, e := range p.entries {
		select {
		case <-e.done:
		default:
			continue // still instantiating
		}
		if e.inst == nil || now.Sub(e.lastCall) <= p.opts.IdleTimeout {
			continue
		}
		p.log.Debug("evicting idle instance", logx.String("key", key))
		delete(p.entries, key)
		victims = append(victims, e.inst)
	}
	p.mu.Unlock()

	// Teardown off the sweep path; failures are logged, never fatal.
	for _, inst := range victims {
		go func(inst Instance) {
			if err := inst.Close(); err != nil {
				p.log.Warn("instance teardown failed", logx.Err(err))
			}
		}(inst)
	}
}

// Close stops the sweep and tears down every resident instance.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*entry{}
	p.mu.Unlock()

	for key, e := range entries {
		select {
		case <-e.done:
		default:
			continue
		}
		if e.inst == nil {
			continue
		}
		if err := e.inst.Close(); err != nil {
			p.log.Warn("instance teardown failed", logx.String("key", key), logx.Err(err))
		}
	}
}
