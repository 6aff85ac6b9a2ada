package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/model"
)

// acquireTimeout bounds how long a worker waits for a free browser before
// the job fails with ErrBrowserUnavailable.
const acquireTimeout = 30 * time.Second

// Factory creates one browser. Called at startup and whenever an unhealthy
// browser is replaced.
type Factory func(ctx context.Context) (Browser, error)

// Pool is a fixed-size set of warm browsers. Size is stable across browser
// deaths: every release either returns the browser or schedules a
// replacement.
type Pool struct {
	factory   Factory
	available chan Browser
	size      int
	log       *zap.Logger

	closed         atomic.Bool
	availableCount atomic.Int32
	replacing      sync.WaitGroup

	// root context for replacement spawns, canceled on Close
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool pre-warms size browsers. If any fails to start, everything already
// started is torn down.
func NewPool(ctx context.Context, size int, factory Factory, log *zap.Logger) (*Pool, error) {
	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		factory:   factory,
		available: make(chan Browser, size),
		size:      size,
		log:       log,
		ctx:       poolCtx,
		cancel:    cancel,
	}

	for i := 0; i < size; i++ {
		b, err := factory(poolCtx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("starting browser %d: %w", i, err)
		}
		p.available <- b
	}
	p.availableCount.Store(int32(size))
	log.Info("browser pool ready", zap.Int("size", size))
	return p, nil
}

// Acquire blocks until a browser is free, up to 30 seconds. The caller must
// pair it with Release on every exit path.
func (p *Pool) Acquire(ctx context.Context) (Browser, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("acquire: pool closed")
	}
	select {
	case b, ok := <-p.available:
		if !ok {
			return nil, fmt.Errorf("acquire: pool closed")
		}
		p.availableCount.Add(-1)
		return b, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire: %w", ctx.Err())
	case <-time.After(acquireTimeout):
		return nil, fmt.Errorf("acquire timed out after %v: %w", acquireTimeout, model.ErrBrowserUnavailable)
	}
}

// Release returns b to the pool if it is still healthy; otherwise closes it
// and spawns a replacement asynchronously so pool size stays stable.
func (p *Pool) Release(b Browser) {
	if b == nil {
		return
	}
	if p.closed.Load() {
		_ = b.Close()
		return
	}
	if b.Healthy() {
		select {
		case p.available <- b:
			p.availableCount.Add(1)
		default:
			// Only possible on misuse (double release); drop the extra.
			_ = b.Close()
		}
		return
	}

	p.log.Warn("replacing unhealthy browser")
	_ = b.Close()
	p.replacing.Add(1)
	go func() {
		defer p.replacing.Done()
		nb, err := p.factory(p.ctx)
		if err != nil {
			p.log.Error("spawning replacement browser", zap.Error(err))
			return
		}
		if p.closed.Load() {
			_ = nb.Close()
			return
		}
		select {
		case p.available <- nb:
			p.availableCount.Add(1)
		default:
			_ = nb.Close()
		}
	}()
}

// Warmup opens n contexts against about:blank to absorb first-use costs
// before the server accepts traffic.
func (p *Pool) Warmup(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		b, err := p.Acquire(ctx)
		if err != nil {
			p.log.Warn("warmup acquire failed", zap.Error(err))
			return
		}
		c, err := b.NewContext(ctx, ContextOptions{Width: 1280, Height: 720})
		if err == nil {
			if pg, err := c.NewPage(); err == nil {
				_ = pg.Navigate("about:blank")
				_ = pg.Close()
			}
			_ = c.Close()
		} else {
			p.log.Warn("warmup context failed", zap.Error(err))
		}
		p.Release(b)
	}
}

// Size returns the configured pool size.
func (p *Pool) Size() int { return p.size }

// Available returns how many browsers are currently idle.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// Close tears the pool down. Safe to call twice.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.replacing.Wait()
	close(p.available)
	for b := range p.available {
		_ = b.Close()
	}
}
